package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/engine"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/metrics"
	"github.com/hexfield/stackrunner/internal/model"
)

// RequestQueue is the slice of the graph store the daemon drives.
type RequestQueue interface {
	ClaimNext(ctx context.Context, workerID string) (*model.TaskRequest, error)
	MarkExecuting(ctx context.Context, requestID string) error
	MarkDone(ctx context.Context, requestID, resultRef string) error
	MarkFailed(ctx context.Context, requestID, errMsg string) error
	ResolveBlocked(ctx context.Context) (int, error)
}

// StackEngine is the slice of the engine the daemon drives.
type StackEngine interface {
	Create(ctx context.Context, requestID, taskID string, params map[string]any) (string, error)
	RunToCompletion(ctx context.Context, stackID string) (*model.ExecutionStack, error)
}

// Options tunes the daemon loop.
type Options struct {
	WorkerID          string
	PollInterval      time.Duration
	SettleBackoffBase time.Duration
	SettleBackoffMax  time.Duration
	// WorkerTimeout bounds the in-flight request after shutdown begins;
	// past it the request settles failed("worker timeout").
	WorkerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SettleBackoffBase <= 0 {
		o.SettleBackoffBase = time.Second
	}
	if o.SettleBackoffMax <= 0 {
		o.SettleBackoffMax = 30 * time.Second
	}
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = 10 * time.Minute
	}
	return o
}

// Daemon claims requests from the graph queue one at a time, drives the
// stack engine to completion and settles the outcome back. Multiple daemons
// may run against the same queue; the atomic claim keeps their work disjoint.
type Daemon struct {
	*core.BaseComponent
	queue   RequestQueue
	engine  StackEngine
	flags   dao.FlagDao
	metrics *metrics.Registry
	opts    Options

	cancelPoll context.CancelFunc
	stopping   chan struct{}
	done       sync.WaitGroup
}

func NewDaemon(queue RequestQueue, eng StackEngine, flags dao.FlagDao, reg *metrics.Registry, opts Options) *Daemon {
	return &Daemon{
		BaseComponent: core.NewBaseComponent(consts.CompProcessor, consts.CompLogging),
		queue:         queue,
		engine:        eng,
		flags:         flags,
		metrics:       reg,
		opts:          opts.withDefaults(),
		stopping:      make(chan struct{}),
	}
}

func (d *Daemon) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancelPoll = cancel

	d.done.Add(1)
	go func() {
		defer d.done.Done()
		d.loop(loopCtx)
	}()
	logging.Info(ctx, "processor daemon started", zap.String("worker_id", d.opts.WorkerID))
	return nil
}

// Stop halts claiming, grants the in-flight request the worker timeout
// budget, then waits for the loop to settle and exit.
func (d *Daemon) Stop(ctx context.Context) error {
	close(d.stopping)
	go func() {
		timer := time.NewTimer(d.opts.WorkerTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			d.cancelPoll()
		case <-d.waitDone():
		}
	}()
	d.done.Wait()
	d.cancelPoll()
	return d.BaseComponent.Stop(ctx)
}

func (d *Daemon) waitDone() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		d.done.Wait()
		close(ch)
	}()
	return ch
}

func (d *Daemon) loop(ctx context.Context) {
	for {
		select {
		case <-d.stopping:
			return
		case <-ctx.Done():
			return
		default:
		}

		worked, err := d.RunOnce(ctx)
		if err != nil {
			logging.Error(ctx, "processor tick failed", zap.Error(err))
		}
		if !worked {
			select {
			case <-d.stopping:
				return
			case <-ctx.Done():
				return
			case <-time.After(d.opts.PollInterval):
			}
		}
	}
}

// RunOnce performs one claim-execute-settle cycle. The bool reports whether
// a request was claimed.
func (d *Daemon) RunOnce(ctx context.Context) (bool, error) {
	if killed, err := d.flags.KillSwitchActive(ctx); err != nil {
		return false, err
	} else if killed {
		return false, nil
	}

	req, err := d.queue.ClaimNext(ctx, d.opts.WorkerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if req == nil {
		return false, nil
	}
	if d.metrics != nil {
		d.metrics.RequestsClaimed.Inc()
	}
	logging.Info(ctx, "request claimed",
		zap.String("request_id", req.RequestID),
		zap.String("task_id", req.TaskID),
		zap.Int("priority", req.Priority),
	)

	if err := d.queue.MarkExecuting(ctx, req.RequestID); err != nil {
		// The claim is ours; settle failed rather than strand the row.
		d.settle(ctx, req.RequestID, "", fmt.Sprintf("mark executing: %v", err))
		return true, nil
	}

	stack, execErr := d.execute(ctx, req)
	switch {
	case execErr != nil:
		d.settle(ctx, req.RequestID, "", execErr.Error())
	case stack.Status == consts.StackDone:
		d.settle(ctx, req.RequestID, stack.StackID, "")
	default:
		msg := stack.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("stack %s finished %s", stack.StackID, stack.Status)
		}
		d.settle(ctx, req.RequestID, "", msg)
	}
	return true, nil
}

func (d *Daemon) execute(ctx context.Context, req *model.TaskRequest) (*model.ExecutionStack, error) {
	stackID, err := d.engine.Create(ctx, req.RequestID, req.TaskID, req.Parameters)
	if err != nil {
		if errors.Is(err, engine.ErrKillSwitch) {
			return nil, fmt.Errorf("kill switch engaged before stack creation")
		}
		return nil, err
	}
	stack, err := d.engine.RunToCompletion(ctx, stackID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("worker timeout")
		}
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.StacksFinished.WithLabelValues(string(stack.Status)).Inc()
	}
	return stack, nil
}

// settle writes the terminal status back to the graph, retrying with
// exponential backoff until it lands or shutdown forces an exit. A done
// settlement also kicks dependency resolution.
func (d *Daemon) settle(ctx context.Context, requestID, resultRef, errMsg string) {
	status := "done"
	if errMsg != "" {
		status = "failed"
	}
	if ctx.Err() != nil {
		// Shutdown already cancelled the loop context; the settlement still
		// must land, so give it a bounded fresh one.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	for attempt := 0; ; attempt++ {
		var err error
		if errMsg == "" {
			err = d.queue.MarkDone(ctx, requestID, resultRef)
		} else {
			err = d.queue.MarkFailed(ctx, requestID, errMsg)
		}
		if err == nil {
			break
		}
		logging.Error(ctx, "settlement failed, retrying",
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			logging.Error(ctx, "abandoning settlement at shutdown",
				zap.String("request_id", requestID))
			return
		case <-time.After(backoff(attempt, d.opts.SettleBackoffBase, d.opts.SettleBackoffMax)):
		}
	}
	if d.metrics != nil {
		d.metrics.RequestsSettled.WithLabelValues(status).Inc()
	}
	logging.Info(ctx, "request settled",
		zap.String("request_id", requestID),
		zap.String("status", status),
		zap.String("result_ref", resultRef),
	)

	if errMsg == "" {
		if n, err := d.queue.ResolveBlocked(ctx); err != nil {
			logging.Error(ctx, "dependency resolution failed", zap.Error(err))
		} else if n > 0 && d.metrics != nil {
			d.metrics.RequestsUnblocked.Add(float64(n))
		}
	}
}
