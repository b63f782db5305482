package model

import (
	"encoding/json"
	"time"

	"github.com/hexfield/stackrunner/internal/consts"
)

// ExecutionStack is the durable container for one LIFO run. Retained forever
// for audit; the terminal status is reached exactly once and after that
// neither context_json nor trace_json change.
type ExecutionStack struct {
	StackID           string             `gorm:"column:stack_id;primaryKey"`
	CreatedAt         time.Time          `gorm:"column:created_at"`
	FinishedAt        *time.Time         `gorm:"column:finished_at"`
	Status            consts.StackStatus `gorm:"column:status"`
	InitialRequestID  string             `gorm:"column:initial_request_id"`
	InitialTaskID     string             `gorm:"column:initial_task_id"`
	InitialParamsJSON string             `gorm:"column:initial_params_json"`
	ContextJSON       string             `gorm:"column:context_json"`
	TraceJSON         string             `gorm:"column:trace_json"`
	FinalOutputJSON   string             `gorm:"column:final_output_json"`
	ErrorMessage      string             `gorm:"column:error_message"`
}

func (ExecutionStack) TableName() string { return "execution_stacks" }

func (s *ExecutionStack) Context() Context {
	return ParseContext(s.ContextJSON)
}

func (s *ExecutionStack) Trace() []TraceEntry {
	var trace []TraceEntry
	if s.TraceJSON != "" {
		_ = json.Unmarshal([]byte(s.TraceJSON), &trace)
	}
	return trace
}

func (s *ExecutionStack) FinalOutput() any {
	if s.FinalOutputJSON == "" {
		return nil
	}
	var v any
	_ = json.Unmarshal([]byte(s.FinalOutputJSON), &v)
	return v
}

// StackNode is one task invocation inside a stack. request_id is the global
// idempotency key; (depth, sequence, queue_id) orders LIFO selection.
// Invariants: depth = parent.depth+1 for non-roots, parent_queue_id points
// into the same stack, the root has depth 0 and a null parent.
type StackNode struct {
	QueueID            int64             `gorm:"column:queue_id;primaryKey;autoIncrement"`
	RequestID          string            `gorm:"column:request_id;uniqueIndex"`
	StackID            string            `gorm:"column:stack_id"`
	TaskID             string            `gorm:"column:task_id"`
	Depth              int               `gorm:"column:depth"`
	ParentQueueID      *int64            `gorm:"column:parent_queue_id"`
	Sequence           int               `gorm:"column:sequence"`
	Status             consts.NodeStatus `gorm:"column:status"`
	EnqueuedAt         time.Time         `gorm:"column:enqueued_at"`
	StartedAt          *time.Time        `gorm:"column:started_at"`
	FinishedAt         *time.Time        `gorm:"column:finished_at"`
	WorkerID           string            `gorm:"column:worker_id"`
	LeaseExpiresAt     *time.Time        `gorm:"column:lease_expires_at"`
	ParamsJSON         string            `gorm:"column:parameters_json"`
	InputContextJSON   string            `gorm:"column:input_context_json"`
	OutputJSON         string            `gorm:"column:output_json"`
	OutputContextJSON  string            `gorm:"column:output_context_json"`
	PushedChildrenJSON string            `gorm:"column:pushed_children_json"`
	ErrorMessage       string            `gorm:"column:error_message"`
}

func (StackNode) TableName() string { return "stack_queue" }

func (n *StackNode) Params() map[string]any {
	return parseObject(n.ParamsJSON)
}

func (n *StackNode) PushedChildren() []PushedChild {
	var out []PushedChild
	if n.PushedChildrenJSON != "" {
		_ = json.Unmarshal([]byte(n.PushedChildrenJSON), &out)
	}
	return out
}

// TraceEntryOf captures the node's terminal snapshot for the stack trace.
func (n *StackNode) TraceEntryOf() TraceEntry {
	e := TraceEntry{
		QueueID:        n.QueueID,
		RequestID:      n.RequestID,
		TaskID:         n.TaskID,
		Depth:          n.Depth,
		Status:         n.Status,
		InputContext:   ParseContext(n.InputContextJSON),
		PushedChildren: n.PushedChildren(),
		Error:          n.ErrorMessage,
	}
	if n.OutputJSON != "" {
		_ = json.Unmarshal([]byte(n.OutputJSON), &e.Output)
	}
	if n.StartedAt != nil {
		e.StartedAt = n.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if n.FinishedAt != nil {
		e.FinishedAt = n.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if n.StartedAt != nil && n.FinishedAt != nil {
		e.ExecutionMS = n.FinishedAt.Sub(*n.StartedAt).Milliseconds()
	}
	return e
}
