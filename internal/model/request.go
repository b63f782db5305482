package model

import "github.com/hexfield/stackrunner/internal/consts"

// TaskRequest mirrors a :TaskRequest node in the graph store. A request with
// any unfinished depends-on target stays pending/blocked; it is claimed only
// when every dependency is done.
type TaskRequest struct {
	RequestID  string               `json:"request_id"`
	TaskID     string               `json:"task_id"`
	Parameters map[string]any       `json:"parameters,omitempty"`
	Status     consts.RequestStatus `json:"status"`
	Priority   int                  `json:"priority"`
	Requester  string               `json:"requester,omitempty"`
	CreatedAt  string               `json:"created_at,omitempty"`
	ClaimedBy  string               `json:"claimed_by,omitempty"`
	ClaimedAt  string               `json:"claimed_at,omitempty"`
	FinishedAt string               `json:"finished_at,omitempty"`
	ResultRef  string               `json:"result_ref,omitempty"`
	Error      string               `json:"error,omitempty"`

	Dependencies []Dependency `json:"dependencies,omitempty"`
	HasOutputs   bool         `json:"has_outputs"`
}

// Dependency is a depends-on edge target with its current status.
type Dependency struct {
	RequestID string               `json:"request_id"`
	Status    consts.RequestStatus `json:"status"`
}

// BlockedBy lists the dependencies that are not yet done.
func (r *TaskRequest) BlockedBy() []Dependency {
	var out []Dependency
	for _, d := range r.Dependencies {
		if d.Status != consts.ReqDone {
			out = append(out, d)
		}
	}
	return out
}

// CascadeRule is a declarative trigger: when a Source of a matching kind is
// committed, a new TaskRequest is materialized from the parameter template.
type CascadeRule struct {
	RuleID            string `json:"rule_id"`
	Description       string `json:"description,omitempty"`
	SourceKind        string `json:"source_kind,omitempty"`
	TaskID            string `json:"task_id"`
	ParameterTemplate string `json:"parameter_template"`
	Priority          int    `json:"priority"`
	Enabled           bool   `json:"enabled"`
	CreatedAt         string `json:"created_at,omitempty"`
	TriggerCount      int64  `json:"trigger_count,omitempty"`
}

// Source is a committed source artifact awaiting cascade evaluation.
type Source struct {
	SourceID string         `json:"source_id"`
	Kind     string         `json:"kind"`
	Fields   map[string]any `json:"fields,omitempty"`
}
