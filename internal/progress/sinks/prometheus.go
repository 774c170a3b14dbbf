package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/citation-crawler/internal/progress"
)

// PrometheusSink exports run-level progress derived from the event stream:
// events by stage, runs in progress and finished, and per-expansion shape.
type PrometheusSink struct {
	events          *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runsActive      prometheus.Gauge
	expansionTime   prometheus.Histogram
	referencesCount prometheus.Histogram
	remaining       prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil). Registering twice reuses the existing collectors.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	s := &PrometheusSink{tracker: newRunTracker()}
	if s.events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citecrawl_progress_events_total",
		Help: "Progress events consumed, partitioned by stage.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if s.runsFinished, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citecrawl_runs_finished_total",
		Help: "Runs that wrote a final checkpoint, partitioned by status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if s.runsActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "citecrawl_runs_active",
		Help: "Runs that started and have not finished.",
	})); err != nil {
		return nil, err
	}
	if s.expansionTime, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "citecrawl_expansion_duration_seconds",
		Help:    "Wall time to expand one paper, including registration of its references.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})); err != nil {
		return nil, err
	}
	if s.referencesCount, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "citecrawl_references_per_paper",
		Help:    "Raw reference count of each expanded paper.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})); err != nil {
		return nil, err
	}
	if s.remaining, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "citecrawl_checkpoint_remaining",
		Help: "Ids left unexpanded by the latest checkpoint.",
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageRunStart:
			if s.tracker.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			status := evt.Note
			if status == "" {
				status = "unknown"
			}
			s.runsFinished.WithLabelValues(status).Inc()
			if s.tracker.complete(evt.RunID) {
				s.runsActive.Dec()
			}
		case progress.StageExpanded:
			s.referencesCount.Observe(float64(len(evt.Refs)))
			if evt.Dur > 0 {
				s.expansionTime.Observe(evt.Dur.Seconds())
			}
		case progress.StageCheckpoint:
			s.remaining.Set(float64(evt.Count))
		}
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[int]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[int]struct{})}
}

func (t *runTracker) start(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
