package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/graph"
	"github.com/hexfield/stackrunner/internal/model"
)

// ValidationError marks caller mistakes as opposed to backend failures, so
// surfaces can map them to 4xx responses and distinct exit codes.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RequestGraph is the slice of the graph store the surface needs.
type RequestGraph interface {
	Submit(ctx context.Context, req *model.TaskRequest, dependsOn []string) (*model.TaskRequest, bool, error)
	Get(ctx context.Context, requestID string) (*model.TaskRequest, error)
	Cancel(ctx context.Context, requestID string) (*model.TaskRequest, error)
	List(ctx context.Context, status consts.RequestStatus, limit int) ([]*model.TaskRequest, error)
}

// SubmitService is the external surface: validate and write requests, read
// statuses and results. It has no execution power.
type SubmitService struct {
	graph  RequestGraph
	tasks  dao.TaskDao
	stacks dao.StackDao
}

func NewSubmitService(g RequestGraph, tasks dao.TaskDao, stacks dao.StackDao) *SubmitService {
	return &SubmitService{graph: g, tasks: tasks, stacks: stacks}
}

type SubmitInput struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Requester  string         `json:"requester,omitempty"`
}

type SubmitOutput struct {
	RequestID string               `json:"request_id"`
	Status    consts.RequestStatus `json:"status"`
	IsNew     bool                 `json:"is_new"`
}

func (s *SubmitService) Submit(ctx context.Context, in SubmitInput) (*SubmitOutput, error) {
	if in.TaskID == "" {
		return nil, validationErrorf("task_id is required")
	}
	def, err := s.tasks.Get(ctx, in.TaskID)
	if err != nil {
		if dao.IsNotFound(err) {
			return nil, validationErrorf("unknown task %q", in.TaskID)
		}
		return nil, err
	}
	if !def.Enabled {
		return nil, validationErrorf("task %q is disabled", in.TaskID)
	}

	priority := in.Priority
	if priority == 0 {
		priority = consts.PriorityDefault
	}
	if priority < consts.PriorityMin || priority > consts.PriorityMax {
		return nil, validationErrorf("priority %d out of range [%d, %d]",
			priority, consts.PriorityMin, consts.PriorityMax)
	}

	requestID := in.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	requester := in.Requester
	if requester == "" {
		requester = "api"
	}

	req, isNew, err := s.graph.Submit(ctx, &model.TaskRequest{
		RequestID:  requestID,
		TaskID:     in.TaskID,
		Parameters: in.Parameters,
		Priority:   priority,
		Requester:  requester,
	}, in.DependsOn)
	if err != nil {
		return nil, wrapGraphErr(err)
	}
	return &SubmitOutput{RequestID: req.RequestID, Status: req.Status, IsNew: isNew}, nil
}

type StatusOutput struct {
	RequestID  string               `json:"request_id"`
	Status     consts.RequestStatus `json:"status"`
	ClaimedBy  string               `json:"claimed_by,omitempty"`
	CreatedAt  string               `json:"created_at,omitempty"`
	ClaimedAt  string               `json:"claimed_at,omitempty"`
	FinishedAt string               `json:"finished_at,omitempty"`
	ResultRef  string               `json:"result_ref,omitempty"`
	HasOutputs bool                 `json:"has_outputs"`
	Error      string               `json:"error,omitempty"`
	BlockedBy  []model.Dependency   `json:"blocked_by,omitempty"`
}

func (s *SubmitService) Status(ctx context.Context, requestID string) (*StatusOutput, error) {
	req, err := s.graph.Get(ctx, requestID)
	if err != nil {
		return nil, wrapGraphErr(err)
	}
	return &StatusOutput{
		RequestID:  req.RequestID,
		Status:     req.Status,
		ClaimedBy:  req.ClaimedBy,
		CreatedAt:  req.CreatedAt,
		ClaimedAt:  req.ClaimedAt,
		FinishedAt: req.FinishedAt,
		ResultRef:  req.ResultRef,
		HasOutputs: req.HasOutputs,
		Error:      req.Error,
		BlockedBy:  req.BlockedBy(),
	}, nil
}

type ResultOutput struct {
	RequestID string               `json:"request_id"`
	Status    consts.RequestStatus `json:"status"`
	Output    any                  `json:"output"`
	Context   model.Context        `json:"context"`
	Trace     []model.TraceEntry   `json:"trace,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Result composes the graph row's result_ref with the execution stack it
// points at. Available once the request is done or failed.
func (s *SubmitService) Result(ctx context.Context, requestID string, includeTrace bool) (*ResultOutput, error) {
	req, err := s.graph.Get(ctx, requestID)
	if err != nil {
		return nil, wrapGraphErr(err)
	}
	if req.Status != consts.ReqDone && req.Status != consts.ReqFailed {
		return nil, validationErrorf("request %s is %s; result is available once it is done or failed", requestID, req.Status)
	}

	out := &ResultOutput{RequestID: req.RequestID, Status: req.Status, Error: req.Error}
	stack, err := s.loadStack(ctx, req)
	if err != nil {
		if dao.IsNotFound(err) {
			return out, nil
		}
		return nil, err
	}
	out.Output = stack.FinalOutput()
	out.Context = stack.Context()
	if includeTrace {
		out.Trace = stack.Trace()
	}
	if out.Error == "" {
		out.Error = stack.ErrorMessage
	}
	return out, nil
}

func (s *SubmitService) loadStack(ctx context.Context, req *model.TaskRequest) (*model.ExecutionStack, error) {
	if req.ResultRef != "" {
		return s.stacks.GetStack(ctx, req.ResultRef)
	}
	// Failed requests may settle without a result_ref; the stack, if one was
	// built, is still findable through the idempotency key.
	return s.stacks.GetStackByRequest(ctx, req.RequestID)
}

type CancelOutput struct {
	RequestID string               `json:"request_id"`
	Status    consts.RequestStatus `json:"status"`
	Message   string               `json:"message"`
}

func (s *SubmitService) Cancel(ctx context.Context, requestID string) (*CancelOutput, error) {
	req, err := s.graph.Cancel(ctx, requestID)
	if err != nil {
		var rejected *graph.ErrCancelRejected
		if errors.As(err, &rejected) {
			return nil, &ValidationError{Msg: rejected.Error()}
		}
		return nil, wrapGraphErr(err)
	}
	return &CancelOutput{
		RequestID: req.RequestID,
		Status:    req.Status,
		Message:   "request cancelled",
	}, nil
}

type TaskSummary struct {
	TaskID         string          `json:"task_id"`
	Kind           consts.TaskKind `json:"kind"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Enabled        bool            `json:"enabled"`
	DefaultParams  map[string]any  `json:"default_params,omitempty"`
}

func (s *SubmitService) ListTasks(ctx context.Context, filter string, enabledOnly bool) ([]TaskSummary, error) {
	defs, err := s.tasks.List(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	out := make([]TaskSummary, 0, len(defs))
	for _, def := range defs {
		if filter != "" && !strings.Contains(def.TaskID, filter) {
			continue
		}
		out = append(out, TaskSummary{
			TaskID:         def.TaskID,
			Kind:           def.Kind,
			TimeoutSeconds: def.TimeoutSeconds,
			Enabled:        def.Enabled,
			DefaultParams:  def.DefaultParams(),
		})
	}
	return out, nil
}

func (s *SubmitService) ListPending(ctx context.Context, limit int, status consts.RequestStatus) ([]*model.TaskRequest, error) {
	if status == "" {
		status = consts.ReqPending
	}
	return s.graph.List(ctx, status, limit)
}

func wrapGraphErr(err error) error {
	var nf *graph.ErrNotFound
	if errors.As(err, &nf) {
		return &ValidationError{Msg: nf.Error()}
	}
	return err
}
