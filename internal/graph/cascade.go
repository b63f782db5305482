package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/model"
)

// ResolveBlocked promotes every blocked request whose dependencies are all
// done back to pending. Idempotent under replay; returns the number moved.
func (s *Store) ResolveBlocked(ctx context.Context) (int, error) {
	records, err := s.run(ctx, `
		MATCH (b:TaskRequest {status: 'blocked'})
		WHERE NOT EXISTS {
			MATCH (b)-[:DEPENDS_ON]->(d:TaskRequest)
			WHERE d.status <> 'done'
		}
		SET b.status = 'pending'
		RETURN count(b) AS unblocked`, nil)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("unblocked")
	n := int(asInt(v))
	if n > 0 {
		logging.Info(ctx, "unblocked requests", zap.Int("count", n))
	}
	return n, nil
}

// CommitSource records a source artifact and marks it awaiting cascade
// evaluation. Committing the same source_id again resets it to pending.
func (s *Store) CommitSource(ctx context.Context, src model.Source) error {
	fieldsJSON, err := json.Marshal(orEmpty(src.Fields))
	if err != nil {
		return fmt.Errorf("graph: encode source fields: %w", err)
	}
	_, err = s.run(ctx, `
		MERGE (s:Source {source_id: $source_id})
		SET s.kind = $kind,
			s.fields_json = $fields_json,
			s.cascade_state = 'pending',
			s.committed_at = datetime()`,
		map[string]any{
			"source_id":   src.SourceID,
			"kind":        src.Kind,
			"fields_json": string(fieldsJSON),
		})
	return err
}

// EvaluateSources drains pending sources against the enabled cascade rules
// and materializes one TaskRequest per matching rule. Each source is claimed
// with a state CAS so concurrent watchers evaluate it exactly once. Returns
// the request ids created.
func (s *Store) EvaluateSources(ctx context.Context, batch int) ([]string, error) {
	if batch <= 0 {
		batch = 10
	}
	sources, err := s.claimPendingSources(ctx, batch)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, src := range sources {
		ids, err := s.evaluateSource(ctx, src)
		if err != nil {
			// Put the source back so a later pass retries it.
			_, rerr := s.run(ctx, `
				MATCH (s:Source {source_id: $source_id})
				SET s.cascade_state = 'pending'`,
				map[string]any{"source_id": src.SourceID})
			if rerr != nil {
				logging.Error(ctx, "failed to requeue source",
					zap.String("source_id", src.SourceID), zap.Error(rerr))
			}
			return created, err
		}
		created = append(created, ids...)
	}
	return created, nil
}

func (s *Store) claimPendingSources(ctx context.Context, batch int) ([]model.Source, error) {
	records, err := s.run(ctx, `
		MATCH (s:Source {cascade_state: 'pending'})
		WITH s LIMIT $batch
		SET s.cascade_state = 'evaluating'
		RETURN s`,
		map[string]any{"batch": batch})
	if err != nil {
		return nil, err
	}
	out := make([]model.Source, 0, len(records))
	for _, rec := range records {
		props, ok := nodeProps(rec, "s")
		if !ok {
			continue
		}
		out = append(out, model.Source{
			SourceID: propString(props, "source_id"),
			Kind:     propString(props, "kind"),
			Fields:   decodeParams(propString(props, "fields_json")),
		})
	}
	return out, nil
}

func (s *Store) evaluateSource(ctx context.Context, src model.Source) ([]string, error) {
	rules, err := s.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, rule := range rules {
		if rule.SourceKind != "" && rule.SourceKind != src.Kind {
			continue
		}
		rendered := RenderTemplate(rule.ParameterTemplate, src.Fields)
		params := map[string]any{}
		if err := json.Unmarshal([]byte(rendered), &params); err != nil {
			logging.Error(ctx, "cascade template rendered invalid JSON",
				zap.String("rule_id", rule.RuleID),
				zap.String("source_id", src.SourceID),
				zap.Error(err))
			continue
		}

		requestID := uuid.New().String()
		if err := s.createTriggered(ctx, requestID, rule, src, params); err != nil {
			return created, err
		}
		created = append(created, requestID)
		logging.Info(ctx, "cascade rule fired",
			zap.String("rule_id", rule.RuleID),
			zap.String("source_id", src.SourceID),
			zap.String("request_id", requestID),
		)
	}

	_, err = s.run(ctx, `
		MATCH (s:Source {source_id: $source_id})
		SET s.cascade_state = 'done', s.evaluated_at = datetime()`,
		map[string]any{"source_id": src.SourceID})
	return created, err
}

func (s *Store) createTriggered(ctx context.Context, requestID string, rule *model.CascadeRule, src model.Source, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.run(ctx, `
		MATCH (c:CascadeRule {rule_id: $rule_id})
		MATCH (s:Source {source_id: $source_id})
		CREATE (r:TaskRequest {
			request_id: $request_id,
			task_id: $task_id,
			parameters_json: $parameters_json,
			status: 'pending',
			priority: $priority,
			requester: $requester,
			created_at: datetime(),
			claimed_by: "",
			result_ref: "",
			error: ""
		})
		CREATE (r)-[:TRIGGERED_BY]->(c)
		CREATE (r)-[:FROM_SOURCE]->(s)
		SET c.trigger_count = coalesce(c.trigger_count, 0) + 1`,
		map[string]any{
			"rule_id":         rule.RuleID,
			"source_id":       src.SourceID,
			"request_id":      requestID,
			"task_id":         rule.TaskID,
			"parameters_json": string(paramsJSON),
			"priority":        rule.Priority,
			"requester":       "cascade:" + rule.RuleID,
		})
	return err
}

var templateVar = regexp.MustCompile(`\$source\.(\w+)`)

// RenderTemplate substitutes $source.<field> placeholders in a parameter
// template. Values are JSON-escaped so the rendered string stays valid JSON
// when placeholders sit inside quoted positions.
func RenderTemplate(template string, fields map[string]any) string {
	return templateVar.ReplaceAllStringFunc(template, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		value, ok := fields[name]
		if !ok {
			return m
		}
		b, err := json.Marshal(value)
		if err != nil {
			return m
		}
		encoded := string(b)
		// Strings drop their surrounding quotes: the template author
		// already placed the placeholder inside quotes.
		if len(encoded) >= 2 && encoded[0] == '"' && encoded[len(encoded)-1] == '"' {
			return encoded[1 : len(encoded)-1]
		}
		return encoded
	})
}
