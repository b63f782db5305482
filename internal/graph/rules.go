package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hexfield/stackrunner/internal/model"
)

// UpsertRule creates or replaces a cascade rule. The template must parse as
// JSON once every placeholder is substituted, so we reject templates that
// are not even superficially JSON-shaped.
func (s *Store) UpsertRule(ctx context.Context, rule *model.CascadeRule) error {
	if rule.RuleID == "" || rule.TaskID == "" {
		return fmt.Errorf("graph: rule requires rule_id and task_id")
	}
	if err := probeTemplate(rule.ParameterTemplate); err != nil {
		return err
	}
	_, err := s.run(ctx, `
		MERGE (c:CascadeRule {rule_id: $rule_id})
		ON CREATE SET c.created_at = datetime(), c.trigger_count = 0
		SET c.description = $description,
			c.source_kind = $source_kind,
			c.task_id = $task_id,
			c.parameter_template = $parameter_template,
			c.priority = $priority,
			c.enabled = $enabled`,
		map[string]any{
			"rule_id":            rule.RuleID,
			"description":        rule.Description,
			"source_kind":        rule.SourceKind,
			"task_id":            rule.TaskID,
			"parameter_template": rule.ParameterTemplate,
			"priority":           rule.Priority,
			"enabled":            rule.Enabled,
		})
	return err
}

func (s *Store) GetRule(ctx context.Context, ruleID string) (*model.CascadeRule, error) {
	records, err := s.run(ctx, `
		MATCH (c:CascadeRule {rule_id: $rule_id})
		RETURN c`,
		map[string]any{"rule_id": ruleID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &ErrNotFound{ID: "rule " + ruleID}
	}
	props, _ := nodeProps(records[0], "c")
	return ruleFromProps(props), nil
}

func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]*model.CascadeRule, error) {
	records, err := s.run(ctx, `
		MATCH (c:CascadeRule)
		WHERE NOT $enabled_only OR c.enabled
		RETURN c
		ORDER BY c.rule_id`,
		map[string]any{"enabled_only": enabledOnly})
	if err != nil {
		return nil, err
	}
	out := make([]*model.CascadeRule, 0, len(records))
	for _, rec := range records {
		if props, ok := nodeProps(rec, "c"); ok {
			out = append(out, ruleFromProps(props))
		}
	}
	return out, nil
}

func (s *Store) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	records, err := s.run(ctx, `
		MATCH (c:CascadeRule {rule_id: $rule_id})
		SET c.enabled = $enabled
		RETURN c`,
		map[string]any{"rule_id": ruleID, "enabled": enabled})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return &ErrNotFound{ID: "rule " + ruleID}
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	records, err := s.run(ctx, `
		MATCH (c:CascadeRule {rule_id: $rule_id})
		WITH c, c.rule_id AS id
		DETACH DELETE c
		RETURN id`,
		map[string]any{"rule_id": ruleID})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return &ErrNotFound{ID: "rule " + ruleID}
	}
	return nil
}

// TriggeredRequests lists the requests a rule has materialized, newest first.
func (s *Store) TriggeredRequests(ctx context.Context, ruleID string, limit int) ([]*model.TaskRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	records, err := s.run(ctx, `
		MATCH (r:TaskRequest)-[:TRIGGERED_BY]->(c:CascadeRule {rule_id: $rule_id})
		RETURN r
		ORDER BY r.created_at DESC
		LIMIT $limit`,
		map[string]any{"rule_id": ruleID, "limit": limit})
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

// probeTemplate renders the template with empty placeholder values and
// checks the result parses as a JSON object.
func probeTemplate(template string) error {
	if template == "" {
		return fmt.Errorf("graph: rule requires a parameter_template")
	}
	probe := templateVar.ReplaceAllString(template, "")
	var v map[string]any
	if err := json.Unmarshal([]byte(probe), &v); err != nil {
		return fmt.Errorf("graph: parameter_template is not a JSON object template: %w", err)
	}
	return nil
}
