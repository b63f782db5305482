package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

// ErrKillSwitch is returned by Create while the kill switch flag is set.
var ErrKillSwitch = errors.New("engine: kill switch is active, refusing new stacks")

// Options tunes a single engine instance.
type Options struct {
	WorkerID string
	Lease    time.Duration
	// RunsDir, when set, receives a JSON snapshot of every finished stack.
	RunsDir string
}

// Engine drives ExecutionStacks: LIFO node selection, context folding, child
// pushes and terminal bookkeeping. One engine instance runs one node at a
// time; parallelism comes from engines on separate stacks.
type Engine struct {
	*core.BaseComponent
	tasks  dao.TaskDao
	stacks dao.StackDao
	flags  dao.FlagDao
	runner taskexec.TaskRunner
	opts   Options
}

func New(tasks dao.TaskDao, stacks dao.StackDao, flags dao.FlagDao, runner taskexec.TaskRunner, opts Options) *Engine {
	if opts.WorkerID == "" {
		opts.WorkerID = "engine"
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	return &Engine{
		BaseComponent: core.NewBaseComponent(consts.CompEngine),
		tasks:         tasks,
		stacks:        stacks,
		flags:         flags,
		runner:        runner,
		opts:          opts,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if e.opts.RunsDir != "" {
		if err := os.MkdirAll(e.opts.RunsDir, 0o755); err != nil {
			return fmt.Errorf("engine: create runs dir: %w", err)
		}
	}
	return nil
}

// Create builds a new ExecutionStack seeded with a root node for the given
// task. Submitting the same request_id twice returns the existing stack.
func (e *Engine) Create(ctx context.Context, requestID, taskID string, params map[string]any) (string, error) {
	killed, err := e.flags.KillSwitchActive(ctx)
	if err != nil {
		return "", err
	}
	if killed {
		return "", ErrKillSwitch
	}

	if _, err := e.tasks.Get(ctx, taskID); err != nil {
		if dao.IsNotFound(err) {
			return "", fmt.Errorf("engine: unknown task %q", taskID)
		}
		return "", err
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	now := time.Now().UTC()
	paramsJSON := marshalOr(params, "{}")
	stack := &model.ExecutionStack{
		StackID:           uuid.New().String(),
		CreatedAt:         now,
		Status:            consts.StackRunning,
		InitialRequestID:  requestID,
		InitialTaskID:     taskID,
		InitialParamsJSON: paramsJSON,
		ContextJSON:       model.NewContext().JSON(),
	}
	root := &model.StackNode{
		RequestID:  requestID,
		TaskID:     taskID,
		Depth:      0,
		Sequence:   0,
		Status:     consts.NodeQueued,
		EnqueuedAt: now,
		ParamsJSON: paramsJSON,
	}

	owner, created, err := e.stacks.CreateStack(ctx, stack, root)
	if err != nil {
		return "", err
	}
	if created {
		logging.Info(ctx, "stack created",
			zap.String("stack_id", owner.StackID),
			zap.String("request_id", requestID),
			zap.String("task_id", taskID),
		)
	}
	return owner.StackID, nil
}

// RunToCompletion drains the stack to a terminal status and returns the
// final row.
func (e *Engine) RunToCompletion(ctx context.Context, stackID string) (*model.ExecutionStack, error) {
	for {
		more, err := e.RunOneStep(ctx, stackID)
		if err != nil {
			return nil, err
		}
		if !more {
			return e.stacks.GetStack(ctx, stackID)
		}
	}
}

// RunOneStep claims and executes the next LIFO node. It returns false once
// the stack has reached a terminal status.
func (e *Engine) RunOneStep(ctx context.Context, stackID string) (bool, error) {
	stack, err := e.stacks.GetStack(ctx, stackID)
	if err != nil {
		return false, err
	}
	if stack.Status.Terminal() {
		return false, nil
	}

	node, err := e.stacks.AcquireNext(ctx, stackID, e.opts.WorkerID, e.opts.Lease)
	if err != nil {
		return false, err
	}
	if node == nil {
		// Drained cleanly.
		return false, e.finalizeStack(ctx, stack, consts.StackDone, "")
	}

	accumulated := stack.Context()
	if err := e.stacks.SetInputContext(ctx, node.QueueID, accumulated.JSON()); err != nil {
		return false, err
	}
	node.InputContextJSON = accumulated.JSON()

	def, err := e.tasks.Get(ctx, node.TaskID)
	if err != nil {
		reason := fmt.Sprintf("task %q not found in catalog", node.TaskID)
		if !dao.IsNotFound(err) {
			reason = err.Error()
		}
		return false, e.failNode(ctx, stack, node, reason)
	}

	params := model.MergeParams(def.DefaultParams(), node.Params())
	res, err := e.runner.Run(ctx, taskexec.Request{
		Def:     def,
		Params:  params,
		Context: accumulated,
		QueueID: node.QueueID,
		StackID: stack.StackID,
	})
	if err != nil {
		return false, e.failNode(ctx, stack, node, err.Error())
	}
	if res.TimedOut {
		return false, e.failNode(ctx, stack, node, fmt.Sprintf("task timed out after %s", def.Timeout()))
	}
	if res.ExitCode != 0 {
		return false, e.failNode(ctx, stack, node, execFailureMessage(res))
	}

	return e.completeNode(ctx, stack, node, res)
}

// completeNode folds the result into the context, pushes children and marks
// the node done. Abort terminates the stack cancelled after folding.
func (e *Engine) completeNode(ctx context.Context, stack *model.ExecutionStack, node *model.StackNode, res *taskexec.ExecResult) (bool, error) {
	result := res.Result
	folded := stack.Context().Fold(result)

	children := buildChildren(node, result.PushedChildren)
	if err := e.stacks.PushChildren(ctx, children); err != nil {
		return false, err
	}

	node.Status = consts.NodeDone
	node.OutputJSON = marshalOr(result.Output, "null")
	node.OutputContextJSON = folded.JSON()
	node.PushedChildrenJSON = marshalOr(result.PushedChildren, "[]")
	if err := e.stacks.FinalizeNode(ctx, node); err != nil {
		return false, err
	}
	if err := e.stacks.UpdateStackContext(ctx, stack.StackID, folded.JSON()); err != nil {
		return false, err
	}
	stack.ContextJSON = folded.JSON()

	logging.Debug(ctx, "stack node done",
		zap.String("stack_id", stack.StackID),
		zap.String("task_id", node.TaskID),
		zap.Int64("queue_id", node.QueueID),
		zap.Int("pushed_children", len(children)),
		zap.Bool("abort", result.Abort),
	)

	if result.Abort {
		if _, err := e.stacks.CancelQueued(ctx, stack.StackID, consts.ReasonStackAborted); err != nil {
			return false, err
		}
		return false, e.finalizeStack(ctx, stack, consts.StackCancelled, "")
	}
	return true, nil
}

// failNode marks the node failed and short-circuits the stack: every still
// queued node is cancelled and the stack settles failed.
func (e *Engine) failNode(ctx context.Context, stack *model.ExecutionStack, node *model.StackNode, reason string) error {
	node.Status = consts.NodeFailed
	node.ErrorMessage = truncate(reason, consts.MaxErrorLen)
	node.OutputContextJSON = stack.ContextJSON
	if err := e.stacks.FinalizeNode(ctx, node); err != nil {
		return err
	}
	if _, err := e.stacks.CancelQueued(ctx, stack.StackID, consts.ReasonStackFailed); err != nil {
		return err
	}

	logging.Warn(ctx, "stack node failed",
		zap.String("stack_id", stack.StackID),
		zap.String("task_id", node.TaskID),
		zap.Int64("queue_id", node.QueueID),
		zap.String("error", node.ErrorMessage),
	)
	msg := fmt.Sprintf("task %s failed: %s", node.TaskID, node.ErrorMessage)
	return e.finalizeStack(ctx, stack, consts.StackFailed, truncate(msg, consts.MaxErrorLen))
}

// finalizeStack freezes context, trace and final output. The trace lists
// every node once, ordered by the time it reached a terminal state.
func (e *Engine) finalizeStack(ctx context.Context, stack *model.ExecutionStack, status consts.StackStatus, errMsg string) error {
	nodes, err := e.stacks.ListNodes(ctx, stack.StackID)
	if err != nil {
		return err
	}
	trace := buildTrace(nodes)
	accumulated := stack.Context()

	finalOutputJSON := ""
	if status == consts.StackDone {
		finalOutputJSON = marshalOr(accumulated.LastOutput(), "null")
	}
	traceJSON := marshalOr(trace, "[]")

	if err := e.stacks.FinalizeStack(ctx, stack.StackID, status, accumulated.JSON(), traceJSON, finalOutputJSON, errMsg); err != nil {
		return err
	}
	stack.Status = status
	stack.TraceJSON = traceJSON
	stack.FinalOutputJSON = finalOutputJSON
	stack.ErrorMessage = errMsg

	logging.Info(ctx, "stack finished",
		zap.String("stack_id", stack.StackID),
		zap.String("status", string(status)),
		zap.Int("trace_len", len(trace)),
	)
	e.writeSnapshot(ctx, stack, trace)
	return nil
}

func buildTrace(nodes []*model.StackNode) []model.TraceEntry {
	terminal := make([]*model.StackNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Status.Terminal() {
			terminal = append(terminal, n)
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		a, b := terminal[i].FinishedAt, terminal[j].FinishedAt
		switch {
		case a == nil && b == nil:
			return terminal[i].QueueID < terminal[j].QueueID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return terminal[i].QueueID < terminal[j].QueueID
		default:
			return a.Before(*b)
		}
	})
	trace := make([]model.TraceEntry, 0, len(terminal))
	for _, n := range terminal {
		trace = append(trace, n.TraceEntryOf())
	}
	return trace
}

func buildChildren(parent *model.StackNode, specs []model.PushedChild) []*model.StackNode {
	if len(specs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	parentID := parent.QueueID
	children := make([]*model.StackNode, 0, len(specs))
	for i, spec := range specs {
		children = append(children, &model.StackNode{
			RequestID:     uuid.New().String(),
			StackID:       parent.StackID,
			TaskID:        spec.TaskID,
			Depth:         parent.Depth + 1,
			ParentQueueID: &parentID,
			Sequence:      i,
			Status:        consts.NodeQueued,
			EnqueuedAt:    now,
			ParamsJSON:    marshalOr(spec.Parameters, "{}"),
		})
	}
	return children
}

func execFailureMessage(res *taskexec.ExecResult) string {
	msg := fmt.Sprintf("exit code %d", res.ExitCode)
	if s := strings.TrimSpace(res.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
