package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/logging"
)

// WorkerComponent runs the flat-queue worker as a polling loop under the
// component lifecycle. A kill switch pass does not stop the loop; the flag
// may be cleared again while the process is up.
type WorkerComponent struct {
	*core.BaseComponent
	worker       *Worker
	pollInterval time.Duration

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func NewWorkerComponent(worker *Worker, pollInterval time.Duration) *WorkerComponent {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &WorkerComponent{
		BaseComponent: core.NewBaseComponent(consts.CompQueueWorker, consts.CompLogging),
		worker:        worker,
		pollInterval:  pollInterval,
	}
}

func (c *WorkerComponent) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.done.Add(1)
	go func() {
		defer c.done.Done()
		for {
			res, err := c.worker.RunOnce(loopCtx)
			if err != nil {
				logging.Error(loopCtx, "queue worker pass failed", zap.Error(err))
			}
			if err == nil && res.Outcome == OutcomeExecuted {
				continue
			}
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(c.pollInterval):
			}
		}
	}()
	logging.Info(ctx, "queue worker started", zap.String("worker_id", c.worker.WorkerID))
	return nil
}

func (c *WorkerComponent) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.done.Wait()
	return c.BaseComponent.Stop(ctx)
}
