// Package dispatcher runs the worker pool over the frontier until the crawl
// drains or is interrupted.
package dispatcher

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/metrics"
)

// DefaultPoolSize is the number of concurrent workers.
const DefaultPoolSize = 8

const gaugeInterval = time.Second

// Runner is one member of the pool; *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Frontier reports crawl completion.
type Frontier interface {
	IsDrained() bool
	Drained() <-chan struct{}
	Len() int
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	frontier Frontier
	workers  []Runner
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(frontier Frontier, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		frontier: frontier,
		workers:  workers,
		logger:   logger,
	}
}

// Run starts all workers and blocks until they have exited. It reports true
// when the frontier drained, false when ctx ended first.
func (d *Dispatcher) Run(ctx context.Context) bool {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pool.New().WithMaxGoroutines(max(len(d.workers), 1))
	for _, w := range d.workers {
		p.Go(func() { w.Run(runCtx) })
	}
	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))

	completed := d.wait(ctx)
	cancel()
	p.Wait()
	d.logger.Info("worker pool stopped", zap.Bool("drained", completed))
	return completed
}

func (d *Dispatcher) wait(ctx context.Context) bool {
	if d.frontier.IsDrained() {
		return true
	}
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.frontier.Drained():
			metrics.SetFrontierLength(0)
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			metrics.SetFrontierLength(d.frontier.Len())
		}
	}
}
