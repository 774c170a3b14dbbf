// Package crawl runs a breadth-first crawl of the citation graph from a set
// of seed papers, or resumes one from a checkpoint.
package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/checkpoint"
	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/dispatcher"
	"github.com/JakeFAU/citation-crawler/internal/frontier"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/store"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

// Config controls the crawl.
type Config struct {
	RunID       int
	SessionID   string
	Concurrency int
	Fields      []string
	Filter      paper.Filter
}

// Deps are the collaborators of an Engine. Emitter, Clock and Logger may be
// nil.
type Deps struct {
	Source   paper.Source
	Store    *store.Store
	Frontier *frontier.Queue
	Retries  *worker.RetryTracker
	Manager  *checkpoint.Manager
	Writer   *checkpoint.Writer
	Emitter  progress.Emitter
	Clock    paper.Clock
	Logger   *zap.Logger
}

// Status is a point-in-time view of a crawl.
type Status struct {
	RunID       int    `json:"run_id"`
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Papers      int    `json:"papers"`
	Frontier    int    `json:"frontier"`
	InFlight    int    `json:"in_flight"`
	DeadLetters int    `json:"dead_letters"`
	Snapshots   int    `json:"snapshots"`
}

// Engine owns one run.
type Engine struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("paper source is required")
	case deps.Store == nil || deps.Frontier == nil:
		return nil, errors.New("store and frontier are required")
	case deps.Manager == nil || deps.Writer == nil:
		return nil, errors.New("checkpoint manager and writer are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = dispatcher.DefaultPoolSize
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = paper.DefaultFields
	}
	if deps.Retries == nil {
		deps.Retries = worker.NewRetryTracker(0, deps.Clock)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps}, nil
}

// Run registers the seeds, crawls until the frontier drains or ctx ends, and
// writes the final checkpoint. An interrupted crawl is not an error.
func (e *Engine) Run(ctx context.Context, seeds []paper.Paper) (checkpoint.Result, error) {
	if len(seeds) == 0 {
		return checkpoint.Result{}, errors.New("at least one seed is required")
	}
	if err := e.deps.Writer.WriteSeeds(ctx, seeds); err != nil {
		return checkpoint.Result{}, err
	}
	if err := e.deps.Manager.Start(ctx); err != nil {
		return checkpoint.Result{}, err
	}
	e.emit(progress.Event{Stage: progress.StageRunStart, Count: len(seeds)})

	for _, s := range seeds {
		if s.PaperID == "" {
			e.deps.Logger.Warn("skipping seed without paper id", zap.Stringp("title", s.Title))
			continue
		}
		if e.deps.Store.RegisterIfAbsent(s.PaperID, s) {
			continue
		}
		e.deps.Frontier.Push(s.PaperID)
		seed := s.Clone()
		e.emit(progress.Event{Stage: progress.StageSeed, PaperID: s.PaperID, Paper: &seed})
	}
	return e.crawl(ctx)
}

// Resume preloads a previous snapshot and requeues its remaining ids. Ids
// that are not in the snapshot have no record to attach references to and
// are skipped.
func (e *Engine) Resume(ctx context.Context, snapshot map[string]paper.Paper, remaining []string) (checkpoint.Result, error) {
	if err := e.deps.Manager.Start(ctx); err != nil {
		return checkpoint.Result{}, err
	}
	loaded := e.deps.Store.Load(snapshot)
	queued := 0
	for _, id := range remaining {
		p, ok := e.deps.Store.Get(id)
		if !ok {
			e.deps.Logger.Warn("remaining id missing from snapshot", zap.String("paper_id", id))
			continue
		}
		if p.Expanded() {
			continue
		}
		e.deps.Frontier.Push(id)
		queued++
	}
	e.deps.Logger.Info("resuming crawl",
		zap.Int("run_id", e.cfg.RunID),
		zap.Int("papers", loaded),
		zap.Int("queued", queued),
	)
	e.emit(progress.Event{Stage: progress.StageRunStart, Count: queued, Note: "resume"})
	return e.crawl(ctx)
}

// Status reports progress. It is safe to call concurrently with Run.
func (e *Engine) Status() Status {
	return Status{
		RunID:       e.cfg.RunID,
		SessionID:   e.cfg.SessionID,
		State:       e.deps.Manager.State().String(),
		Papers:      e.deps.Store.Len(),
		Frontier:    e.deps.Frontier.Len(),
		InFlight:    e.deps.Frontier.InFlight(),
		DeadLetters: len(e.deps.Retries.DeadLetters()),
		Snapshots:   e.deps.Store.SnapshotCount(),
	}
}

// Paper looks up a stored record.
func (e *Engine) Paper(id string) (paper.Paper, bool) {
	return e.deps.Store.Get(id)
}

// DeadLetters lists the ids given up on so far.
func (e *Engine) DeadLetters() []paper.DeadLetter {
	return e.deps.Retries.DeadLetters()
}

func (e *Engine) crawl(ctx context.Context) (checkpoint.Result, error) {
	workers := make([]dispatcher.Runner, e.cfg.Concurrency)
	wcfg := worker.Config{RunID: e.cfg.RunID, Fields: e.cfg.Fields, Filter: e.cfg.Filter}
	for i := range workers {
		workers[i] = worker.New(
			e.deps.Frontier,
			e.deps.Store,
			e.deps.Source,
			e.deps.Retries,
			e.deps.Emitter,
			e.deps.Clock,
			wcfg,
			e.deps.Logger.Named("worker").With(zap.Int("index", i)),
		)
	}
	d := dispatcher.New(e.deps.Frontier, workers, e.deps.Logger.Named("dispatcher"))

	workersDone := make(chan struct{})
	drained := make(chan bool, 1)
	go func() {
		defer close(workersDone)
		drained <- d.Run(ctx)
	}()

	var (
		res checkpoint.Result
		err error
	)
	select {
	case ok := <-drained:
		if ok {
			res, err = e.deps.Manager.Complete(ctx)
		} else {
			res, err = e.deps.Manager.Checkpoint(ctx, workersDone)
		}
	case <-ctx.Done():
		e.deps.Logger.Info("interrupt received, checkpointing")
		res, err = e.deps.Manager.Checkpoint(ctx, workersDone)
	}
	if err != nil {
		return res, fmt.Errorf("finish run %d: %w", e.cfg.RunID, err)
	}

	e.emit(progress.Event{
		Stage: progress.StageRunDone,
		Count: res.Manifest.Papers,
		Note:  string(res.Manifest.Status),
	})
	return res, nil
}

func (e *Engine) emit(evt progress.Event) {
	evt.RunID = e.cfg.RunID
	evt.TS = e.deps.Clock.Now()
	e.deps.Emitter.Emit(evt)
}
