package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/metrics"
)

// CascadeEvaluator is the slice of the graph store the watcher drives.
type CascadeEvaluator interface {
	EvaluateSources(ctx context.Context, batch int) ([]string, error)
	ResolveBlocked(ctx context.Context) (int, error)
}

// SourceWatcher is the pull half of the cascade design: it periodically
// evaluates freshly committed sources against the enabled rules and promotes
// unblocked requests. Each source is evaluated exactly once because the
// store claims it with a state CAS.
type SourceWatcher struct {
	*core.BaseComponent
	graph    CascadeEvaluator
	metrics  *metrics.Registry
	interval time.Duration
	batch    int

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func NewSourceWatcher(graph CascadeEvaluator, reg *metrics.Registry, interval time.Duration) *SourceWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SourceWatcher{
		BaseComponent: core.NewBaseComponent(consts.CompWatcher, consts.CompLogging),
		graph:         graph,
		metrics:       reg,
		interval:      interval,
		batch:         10,
	}
}

func (w *SourceWatcher) Start(ctx context.Context) error {
	if err := w.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.done.Add(1)
	go func() {
		defer w.done.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				w.tick(loopCtx)
			}
		}
	}()
	logging.Info(ctx, "source watcher started", zap.Duration("interval", w.interval))
	return nil
}

func (w *SourceWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.done.Wait()
	return w.BaseComponent.Stop(ctx)
}

func (w *SourceWatcher) tick(ctx context.Context) {
	created, err := w.graph.EvaluateSources(ctx, w.batch)
	if err != nil {
		logging.Error(ctx, "cascade evaluation failed", zap.Error(err))
	}
	if len(created) > 0 {
		if w.metrics != nil {
			w.metrics.CascadeFired.Add(float64(len(created)))
		}
		logging.Info(ctx, "cascade created requests", zap.Int("count", len(created)))
	}

	if n, err := w.graph.ResolveBlocked(ctx); err != nil {
		logging.Error(ctx, "dependency resolution failed", zap.Error(err))
	} else if n > 0 && w.metrics != nil {
		w.metrics.RequestsUnblocked.Add(float64(n))
	}
}
