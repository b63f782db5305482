package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/model"
)

// ErrNotFound reports a missing request or rule.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("graph: %s not found", e.ID) }

// ErrCancelRejected reports a cancel attempted past the point of no return.
type ErrCancelRejected struct {
	RequestID string
	Status    consts.RequestStatus
}

func (e *ErrCancelRejected) Error() string {
	return fmt.Sprintf("graph: request %s is %s; cancel only applies to pending or blocked requests", e.RequestID, e.Status)
}

// Submit inserts a TaskRequest node with its depends-on edges. A request
// whose request_id already exists is returned unchanged with created=false.
// The new request starts pending when every dependency is already done,
// blocked otherwise.
func (s *Store) Submit(ctx context.Context, req *model.TaskRequest, dependsOn []string) (*model.TaskRequest, bool, error) {
	if existing, err := s.Get(ctx, req.RequestID); err == nil {
		return existing, false, nil
	} else if _, ok := err.(*ErrNotFound); !ok {
		return nil, false, err
	}

	status, err := s.validateDependencies(ctx, req.RequestID, dependsOn)
	if err != nil {
		return nil, false, err
	}

	paramsJSON, err := json.Marshal(orEmpty(req.Parameters))
	if err != nil {
		return nil, false, fmt.Errorf("graph: encode parameters: %w", err)
	}

	records, err := s.run(ctx, `
		CREATE (r:TaskRequest {
			request_id: $request_id,
			task_id: $task_id,
			parameters_json: $parameters_json,
			status: $status,
			priority: $priority,
			requester: $requester,
			created_at: datetime(),
			claimed_by: "",
			result_ref: "",
			error: ""
		})
		WITH r
		CALL {
			WITH r
			UNWIND $depends_on AS dep_id
			MATCH (d:TaskRequest {request_id: dep_id})
			MERGE (r)-[:DEPENDS_ON]->(d)
		}
		RETURN r`,
		map[string]any{
			"request_id":      req.RequestID,
			"task_id":         req.TaskID,
			"parameters_json": string(paramsJSON),
			"status":          string(status),
			"priority":        req.Priority,
			"requester":       req.Requester,
			"depends_on":      toAnySlice(dependsOn),
		})
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, fmt.Errorf("graph: submit %s returned no row", req.RequestID)
	}

	props, _ := nodeProps(records[0], "r")
	created := requestFromProps(props)
	logging.Info(ctx, "request submitted",
		zap.String("request_id", created.RequestID),
		zap.String("task_id", created.TaskID),
		zap.String("status", string(created.Status)),
		zap.Int("depends_on", len(dependsOn)),
	)
	return created, true, nil
}

// validateDependencies checks that every declared target exists and that no
// cycle can form, and picks the initial status. A fresh node has no incoming
// edges, so the only possible cycle is a self or duplicate reference.
func (s *Store) validateDependencies(ctx context.Context, requestID string, dependsOn []string) (consts.RequestStatus, error) {
	if len(dependsOn) == 0 {
		return consts.ReqPending, nil
	}
	seen := make(map[string]bool, len(dependsOn))
	for _, dep := range dependsOn {
		if dep == requestID {
			return "", fmt.Errorf("graph: request %s cannot depend on itself", requestID)
		}
		if seen[dep] {
			return "", fmt.Errorf("graph: duplicate dependency %s", dep)
		}
		seen[dep] = true
	}

	records, err := s.run(ctx, `
		MATCH (d:TaskRequest)
		WHERE d.request_id IN $depends_on
		RETURN d.request_id AS id, d.status AS status`,
		map[string]any{"depends_on": toAnySlice(dependsOn)})
	if err != nil {
		return "", err
	}
	found := make(map[string]string, len(records))
	for _, rec := range records {
		id, _ := rec.Get("id")
		st, _ := rec.Get("status")
		found[asString(id)] = asString(st)
	}

	status := consts.ReqPending
	for _, dep := range dependsOn {
		st, ok := found[dep]
		if !ok {
			return "", fmt.Errorf("graph: dependency %s does not exist", dep)
		}
		if consts.RequestStatus(st) != consts.ReqDone {
			status = consts.ReqBlocked
		}
	}
	return status, nil
}

// ClaimNext atomically claims the highest-priority, earliest-created pending
// request whose dependencies are all done. Returns nil when none is ready.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*model.TaskRequest, error) {
	records, err := s.run(ctx, `
		MATCH (r:TaskRequest {status: 'pending'})
		WHERE NOT EXISTS {
			MATCH (r)-[:DEPENDS_ON]->(d:TaskRequest)
			WHERE d.status <> 'done'
		}
		WITH r
		ORDER BY r.priority DESC, r.created_at ASC
		LIMIT 1
		SET r.status = 'claimed', r.claimed_by = $worker_id, r.claimed_at = datetime()
		RETURN r`,
		map[string]any{"worker_id": workerID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	props, _ := nodeProps(records[0], "r")
	return requestFromProps(props), nil
}

func (s *Store) MarkExecuting(ctx context.Context, requestID string) error {
	return s.transition(ctx, requestID, `
		MATCH (r:TaskRequest {request_id: $request_id})
		WHERE r.status = 'claimed'
		SET r.status = 'executing'
		RETURN r`, nil)
}

func (s *Store) MarkDone(ctx context.Context, requestID, resultRef string) error {
	return s.transition(ctx, requestID, `
		MATCH (r:TaskRequest {request_id: $request_id})
		WHERE r.status IN ['claimed', 'executing']
		SET r.status = 'done', r.result_ref = $result_ref, r.finished_at = datetime()
		RETURN r`, map[string]any{"result_ref": resultRef})
}

func (s *Store) MarkFailed(ctx context.Context, requestID, errMsg string) error {
	if len(errMsg) > consts.MaxErrorLen {
		errMsg = errMsg[:consts.MaxErrorLen]
	}
	return s.transition(ctx, requestID, `
		MATCH (r:TaskRequest {request_id: $request_id})
		WHERE r.status IN ['claimed', 'executing']
		SET r.status = 'failed', r.error = $error, r.finished_at = datetime()
		RETURN r`, map[string]any{"error": errMsg})
}

// Cancel succeeds only from pending or blocked. A claimed or executing
// request must abort itself from inside the stack.
func (s *Store) Cancel(ctx context.Context, requestID string) (*model.TaskRequest, error) {
	records, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		WHERE r.status IN ['pending', 'blocked']
		SET r.status = 'cancelled', r.finished_at = datetime()
		RETURN r`,
		map[string]any{"request_id": requestID})
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		props, _ := nodeProps(records[0], "r")
		return requestFromProps(props), nil
	}

	current, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return nil, &ErrCancelRejected{RequestID: requestID, Status: current.Status}
}

// Get returns the request with its dependency statuses and whether it has
// produced output artifacts.
func (s *Store) Get(ctx context.Context, requestID string) (*model.TaskRequest, error) {
	records, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		OPTIONAL MATCH (r)-[:DEPENDS_ON]->(d:TaskRequest)
		OPTIONAL MATCH (r)-[:PRODUCED]->(o)
		RETURN r,
			collect(DISTINCT {request_id: d.request_id, status: d.status}) AS deps,
			count(DISTINCT o) AS outputs`,
		map[string]any{"request_id": requestID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &ErrNotFound{ID: "request " + requestID}
	}

	props, _ := nodeProps(records[0], "r")
	req := requestFromProps(props)
	req.Dependencies = decodeDeps(records[0])
	if v, ok := records[0].Get("outputs"); ok {
		req.HasOutputs = asInt(v) > 0
	}
	return req, nil
}

// List returns requests filtered by status (empty means all), newest first.
func (s *Store) List(ctx context.Context, status consts.RequestStatus, limit int) ([]*model.TaskRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	cypher := `
		MATCH (r:TaskRequest)
		WHERE $status = '' OR r.status = $status
		RETURN r
		ORDER BY r.priority DESC, r.created_at ASC
		LIMIT $limit`
	records, err := s.run(ctx, cypher, map[string]any{
		"status": string(status),
		"limit":  limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.TaskRequest, 0, len(records))
	for _, rec := range records {
		if props, ok := nodeProps(rec, "r"); ok {
			out = append(out, requestFromProps(props))
		}
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, requestID, cypher string, extra map[string]any) error {
	params := map[string]any{"request_id": requestID}
	for k, v := range extra {
		params[k] = v
	}
	records, err := s.run(ctx, cypher, params)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return &ErrNotFound{ID: "transitionable request " + requestID}
	}
	return nil
}

func decodeDeps(rec *neo4j.Record) []model.Dependency {
	v, ok := rec.Get("deps")
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var deps []model.Dependency
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := asString(m["request_id"])
		if id == "" {
			continue
		}
		deps = append(deps, model.Dependency{
			RequestID: id,
			Status:    requestStatus(asString(m["status"])),
		})
	}
	return deps
}

func decodeParams(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func requestStatus(s string) consts.RequestStatus { return consts.RequestStatus(s) }

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}
