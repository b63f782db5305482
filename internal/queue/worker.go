package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/metrics"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

// Outcome classifies one worker pass for the caller's exit-code mapping.
type Outcome int

const (
	OutcomeExecuted Outcome = iota
	OutcomeNoWork
	OutcomeKillSwitch
)

// RunResult is the operator-visible summary of one executed entry.
type RunResult struct {
	Outcome   Outcome           `json:"-"`
	RequestID string            `json:"request_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Status    consts.NodeStatus `json:"status,omitempty"`
	Output    any               `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Children  int               `json:"children_enqueued,omitempty"`
}

// Worker drains the flat task_queue one entry at a time. Leases are renewed
// while the child process runs, so long tasks are not stolen mid-flight.
type Worker struct {
	WorkerID string
	Lease    time.Duration

	queue   dao.QueueDao
	tasks   dao.TaskDao
	fanout  dao.FanoutDao
	flags   dao.FlagDao
	runner  taskexec.TaskRunner
	metrics *metrics.Registry
}

func NewWorker(workerID string, lease time.Duration, q dao.QueueDao, tasks dao.TaskDao, fanout dao.FanoutDao, flags dao.FlagDao, runner taskexec.TaskRunner, reg *metrics.Registry) *Worker {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Worker{
		WorkerID: workerID,
		Lease:    lease,
		queue:    q,
		tasks:    tasks,
		fanout:   fanout,
		flags:    flags,
		runner:   runner,
		metrics:  reg,
	}
}

// RunOnce claims and executes at most one queue entry.
func (w *Worker) RunOnce(ctx context.Context) (*RunResult, error) {
	if killed, err := w.flags.KillSwitchActive(ctx); err != nil {
		return nil, err
	} else if killed {
		return &RunResult{Outcome: OutcomeKillSwitch}, nil
	}
	if paused, err := w.flags.PauseActive(ctx); err != nil {
		return nil, err
	} else if paused {
		return &RunResult{Outcome: OutcomeNoWork}, nil
	}

	entry, err := w.queue.Claim(ctx, w.WorkerID, w.Lease)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &RunResult{Outcome: OutcomeNoWork}, nil
	}
	return w.execute(ctx, entry)
}

func (w *Worker) execute(ctx context.Context, entry *model.QueueEntry) (*RunResult, error) {
	res := &RunResult{
		Outcome:   OutcomeExecuted,
		RequestID: entry.RequestID,
		TaskID:    entry.TaskID,
	}

	def, err := w.tasks.Get(ctx, entry.TaskID)
	if err != nil || !def.Enabled {
		reason := fmt.Sprintf("task %q is not available", entry.TaskID)
		if err != nil && !dao.IsNotFound(err) {
			return nil, err
		}
		if cerr := w.queue.Complete(ctx, entry.QueueID, consts.NodeCancelled, reason); cerr != nil {
			return nil, cerr
		}
		res.Status = consts.NodeCancelled
		res.Error = reason
		return res, nil
	}

	stopRenew := w.renewWhileRunning(ctx, entry.QueueID)
	exec, runErr := w.runner.Run(ctx, taskexec.Request{
		Def:     def,
		Params:  model.MergeParams(def.DefaultParams(), entry.Params()),
		Context: model.NewContext(),
		QueueID: entry.QueueID,
	})
	stopRenew()

	// An operator may have cancelled the entry while it ran; that verdict
	// stands regardless of the child's outcome.
	if current, gerr := w.queue.GetByID(ctx, entry.QueueID); gerr == nil && current.Status == consts.NodeCancelled {
		res.Status = consts.NodeCancelled
		res.Error = current.ErrorMessage
		return res, nil
	}

	switch {
	case runErr != nil:
		res.Status = consts.NodeFailed
		res.Error = runErr.Error()
	case exec.TimedOut:
		res.Status = consts.NodeFailed
		res.Error = fmt.Sprintf("task timed out after %s", def.Timeout())
	case exec.ExitCode != 0:
		res.Status = consts.NodeFailed
		res.Error = fmt.Sprintf("exit code %d", exec.ExitCode)
		if s := strings.TrimSpace(exec.Stderr); s != "" {
			res.Error += ": " + s
		}
	default:
		res.Status = consts.NodeDone
		res.Output = exec.Result.Output
	}

	if err := w.queue.Complete(ctx, entry.QueueID, res.Status, truncate(res.Error, consts.MaxErrorLen)); err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.NodesExecuted.WithLabelValues(string(res.Status)).Inc()
		if exec != nil {
			w.metrics.TaskDuration.Observe(exec.FinishedAt.Sub(exec.StartedAt).Seconds())
		}
	}

	if res.Status == consts.NodeDone {
		n, err := w.drainFanout(ctx, entry.QueueID)
		if err != nil {
			logging.Error(ctx, "fanout drain failed",
				zap.Int64("queue_id", entry.QueueID), zap.Error(err))
		}
		res.Children = n
	}

	logging.Info(ctx, "queue entry finished",
		zap.String("request_id", entry.RequestID),
		zap.String("task_id", entry.TaskID),
		zap.String("status", string(res.Status)),
		zap.Int("children", res.Children),
	)
	return res, nil
}

// drainFanout converts the unprocessed fanout rows staged by the finished
// entry into fresh queue entries. Inline rows first get an ephemeral task
// definition so the child is executable by task_id like any other entry.
func (w *Worker) drainFanout(ctx context.Context, parentQueueID int64) (int, error) {
	rows, err := w.fanout.Unprocessed(ctx, parentQueueID)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, row := range rows {
		taskID := row.ChildTaskID
		if taskID == "" && row.InlineKind != "" {
			taskID = fmt.Sprintf("inline-%s", uuid.New().String()[:8])
			def := &model.TaskDefinition{
				TaskID:         taskID,
				Kind:           consts.TaskKind(row.InlineKind),
				Code:           row.InlineCode,
				TimeoutSeconds: row.InlineTimeout,
				Enabled:        true,
			}
			if err := w.tasks.Create(ctx, def); err != nil {
				return enqueued, err
			}
		}
		if taskID == "" {
			// Malformed row; consume it so it is not retried forever.
			if err := w.fanout.MarkProcessed(ctx, row.FanoutID); err != nil {
				return enqueued, err
			}
			continue
		}

		_, _, err := w.queue.Enqueue(ctx, &model.QueueEntry{
			RequestID:  uuid.New().String(),
			TaskID:     taskID,
			ParamsJSON: row.ChildParamsJSON,
		})
		if err != nil {
			return enqueued, err
		}
		if err := w.fanout.MarkProcessed(ctx, row.FanoutID); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// renewWhileRunning keeps the lease alive at half-life intervals until the
// returned stop function is called.
func (w *Worker) renewWhileRunning(ctx context.Context, queueID int64) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Renew(ctx, queueID, w.WorkerID, w.Lease); err != nil {
					logging.Warn(ctx, "lease renewal failed",
						zap.Int64("queue_id", queueID), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
