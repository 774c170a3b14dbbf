// Package worker implements the reference-expansion loop run by each member
// of the crawl pool.
package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/metrics"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/telemetry"
)

// Frontier is the subset of frontier.Queue a worker needs.
type Frontier interface {
	Pop(ctx context.Context) (string, error)
	Push(id string)
	Done()
}

// Store is the subset of store.Store a worker needs.
type Store interface {
	RegisterIfAbsent(id string, p paper.Paper) bool
	UpdateReferences(id string, refs []paper.Ref) bool
}

// Config controls Worker behavior.
type Config struct {
	RunID  int
	Fields []string
	Filter paper.Filter
}

// Worker pops paper ids and expands their references.
type Worker struct {
	frontier Frontier
	store    Store
	source   paper.Source
	retries  *RetryTracker
	emitter  progress.Emitter
	clock    paper.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. emitter, clock and logger may be nil.
func New(
	frontier Frontier,
	store Store,
	source paper.Source,
	retries *RetryTracker,
	emitter progress.Emitter,
	clock paper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if clock == nil {
		clock = system.New()
	}
	if retries == nil {
		retries = NewRetryTracker(0, clock)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = paper.DefaultFields
	}
	return &Worker{
		frontier: frontier,
		store:    store,
		source:   source,
		retries:  retries,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, expanding popped ids until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		id, err := w.frontier.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("frontier pop failed", zap.Error(err))
			continue
		}
		w.expand(ctx, id)
	}
}

// expand handles one id. Done is always called exactly once, after any
// children have been pushed, so the frontier cannot look drained early.
func (w *Worker) expand(ctx context.Context, id string) {
	defer w.frontier.Done()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Start(ctx, "worker.expand", attribute.String("paper_id", id))
	start := w.clock.Now()
	cited, err := w.source.References(ctx, id, w.cfg.Fields)
	if err != nil {
		telemetry.End(span, err)
		w.handleFailure(ctx, id, err)
		return
	}
	w.retries.Succeed(id)

	refs := paper.RefsOf(cited)
	w.store.UpdateReferences(id, refs)

	added := 0
	for _, c := range cited {
		if c.PaperID == "" || !w.cfg.Filter.Accept(c) {
			metrics.ObserveFilterRejection()
			continue
		}
		if w.store.RegisterIfAbsent(c.PaperID, c) {
			continue
		}
		w.frontier.Push(c.PaperID)
		added++
		registered := c.Clone()
		w.emit(progress.Event{Stage: progress.StageRegistered, PaperID: c.PaperID, Paper: &registered})
	}

	span.SetAttributes(attribute.Int("registered", added))
	telemetry.End(span, nil)
	dur := w.clock.Now().Sub(start)
	metrics.ObserveExpansion("success")
	w.emit(progress.Event{Stage: progress.StageExpanded, PaperID: id, Refs: refs, Count: added, Dur: dur})
	w.logger.Debug("expanded paper",
		zap.String("paper_id", id),
		zap.Int("references", len(refs)),
		zap.Int("registered", added),
		zap.Duration("dur", dur),
	)
}

func (w *Worker) handleFailure(ctx context.Context, id string, err error) {
	if ctx.Err() != nil {
		// Shutdown in progress: hand the id back for the checkpoint to collect.
		w.frontier.Push(id)
		metrics.ObserveExpansion("canceled")
		w.logger.Debug("expansion canceled", zap.String("paper_id", id))
		return
	}

	attempt, retry := w.retries.Fail(id, err)
	if retry {
		w.frontier.Push(id)
		metrics.ObserveExpansion("retry")
		w.emit(progress.Event{Stage: progress.StageExpandFailed, PaperID: id, Attempt: attempt, Note: err.Error()})
		w.logger.Warn("expansion failed, requeued",
			zap.String("paper_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return
	}

	metrics.ObserveExpansion("dead_letter")
	metrics.ObserveDeadLetter()
	w.emit(progress.Event{Stage: progress.StageDeadLetter, PaperID: id, Attempt: attempt, Note: err.Error()})
	w.logger.Error("expansion abandoned",
		zap.String("paper_id", id),
		zap.Int("attempt", attempt),
		zap.Bool("permanent", paper.IsPermanent(err)),
		zap.Error(err),
	)
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}
