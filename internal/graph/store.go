package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/hexfield/stackrunner/internal/model"
)

// Store wraps the Neo4j driver for the request queue and cascade rules.
// Every operation is a single auto-committed query so the database is the
// serialization point.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

func Open(ctx context.Context, uri, username, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: open driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}
	return &Store{driver: driver, database: database}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// EnsureSchema creates the constraints and indexes the queue relies on.
// All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT task_request_id IF NOT EXISTS FOR (r:TaskRequest) REQUIRE r.request_id IS UNIQUE",
		"CREATE CONSTRAINT cascade_rule_id IF NOT EXISTS FOR (c:CascadeRule) REQUIRE c.rule_id IS UNIQUE",
		"CREATE CONSTRAINT source_id IF NOT EXISTS FOR (s:Source) REQUIRE s.source_id IS UNIQUE",
		"CREATE INDEX task_request_claim IF NOT EXISTS FOR (r:TaskRequest) ON (r.status, r.priority)",
		"CREATE INDEX task_request_requester IF NOT EXISTS FOR (r:TaskRequest) ON (r.requester)",
		"CREATE INDEX task_request_task IF NOT EXISTS FOR (r:TaskRequest) ON (r.task_id)",
		"CREATE INDEX source_cascade_state IF NOT EXISTS FOR (s:Source) ON (s.cascade_state)",
	}
	for _, stmt := range statements {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graph: ensure schema: %w", err)
		}
	}
	return nil
}

// Record decoding helpers.

func nodeProps(rec *neo4j.Record, key string) (map[string]any, bool) {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil, false
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return nil, false
	}
	return node.Props, true
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func propBool(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func propTime(props map[string]any, key string) string {
	if v, ok := props[key].(time.Time); ok {
		return v.UTC().Format(time.RFC3339Nano)
	}
	return propString(props, key)
}

func requestFromProps(props map[string]any) *model.TaskRequest {
	return &model.TaskRequest{
		RequestID:  propString(props, "request_id"),
		TaskID:     propString(props, "task_id"),
		Parameters: decodeParams(propString(props, "parameters_json")),
		Status:     requestStatus(propString(props, "status")),
		Priority:   int(propInt(props, "priority")),
		Requester:  propString(props, "requester"),
		CreatedAt:  propTime(props, "created_at"),
		ClaimedBy:  propString(props, "claimed_by"),
		ClaimedAt:  propTime(props, "claimed_at"),
		FinishedAt: propTime(props, "finished_at"),
		ResultRef:  propString(props, "result_ref"),
		Error:      propString(props, "error"),
	}
}

func ruleFromProps(props map[string]any) *model.CascadeRule {
	return &model.CascadeRule{
		RuleID:            propString(props, "rule_id"),
		Description:       propString(props, "description"),
		SourceKind:        propString(props, "source_kind"),
		TaskID:            propString(props, "task_id"),
		ParameterTemplate: propString(props, "parameter_template"),
		Priority:          int(propInt(props, "priority")),
		Enabled:           propBool(props, "enabled"),
		CreatedAt:         propTime(props, "created_at"),
		TriggerCount:      propInt(props, "trigger_count"),
	}
}
