package model

import "github.com/hexfield/stackrunner/internal/consts"

// PushedChild is one child specification contributed by a task result.
// Children are enqueued atomically with sequence 0..n-1 in declared order;
// LIFO selection then runs the last-declared child first.
type PushedChild struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// TaskResult is the structured result a task prints as its last non-empty
// stdout line, identified by a truthy marker field. Missing fields default
// to empty/false.
type TaskResult struct {
	Output         any            `json:"output"`
	Variables      map[string]any `json:"variables,omitempty"`
	Decisions      []string       `json:"decisions,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PushedChildren []PushedChild  `json:"pushed_children,omitempty"`
	Abort          bool           `json:"abort,omitempty"`
}

// TraceEntry is the snapshot of a stack node captured at termination,
// sufficient to reconstruct the run without re-reading stack_queue.
type TraceEntry struct {
	QueueID        int64             `json:"queue_id"`
	RequestID      string            `json:"request_id"`
	TaskID         string            `json:"task_id"`
	Depth          int               `json:"depth"`
	Status         consts.NodeStatus `json:"status"`
	StartedAt      string            `json:"started_at,omitempty"`
	FinishedAt     string            `json:"finished_at,omitempty"`
	ExecutionMS    int64             `json:"execution_ms"`
	InputContext   Context           `json:"input_context"`
	Output         any               `json:"output"`
	PushedChildren []PushedChild     `json:"pushed_children,omitempty"`
	Error          string            `json:"error,omitempty"`
}
