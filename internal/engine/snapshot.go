package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/model"
)

// stackSnapshot is the on-disk record written per finished stack so operators
// can inspect a run without touching the database.
type stackSnapshot struct {
	StackID     string             `json:"stack_id"`
	Status      string             `json:"status"`
	RequestID   string             `json:"request_id"`
	TaskID      string             `json:"task_id"`
	CreatedAt   string             `json:"created_at"`
	FinishedAt  string             `json:"finished_at,omitempty"`
	Context     model.Context      `json:"context"`
	Trace       []model.TraceEntry `json:"trace"`
	FinalOutput any                `json:"final_output"`
	Error       string             `json:"error,omitempty"`
}

func (e *Engine) writeSnapshot(ctx context.Context, stack *model.ExecutionStack, trace []model.TraceEntry) {
	if e.opts.RunsDir == "" {
		return
	}
	snap := stackSnapshot{
		StackID:     stack.StackID,
		Status:      string(stack.Status),
		RequestID:   stack.InitialRequestID,
		TaskID:      stack.InitialTaskID,
		CreatedAt:   stack.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Context:     stack.Context(),
		Trace:       trace,
		FinalOutput: stack.FinalOutput(),
		Error:       stack.ErrorMessage,
	}
	if stack.FinishedAt != nil {
		snap.FinishedAt = stack.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	name := "stack_" + shortID(stack.StackID) + ".json"
	path := filepath.Join(e.opts.RunsDir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		// Snapshot is best effort; the database row is the source of truth.
		logging.Warn(ctx, "failed to write stack snapshot",
			zap.String("path", path), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func marshalOr(v any, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
