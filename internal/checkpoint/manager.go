package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/telemetry"
)

// DefaultGracePeriod bounds how long a checkpoint waits for workers to exit.
const DefaultGracePeriod = 5 * time.Second

const publishTimeout = 30 * time.Second

// State is the shutdown lifecycle.
type State int32

// Lifecycle states.
const (
	Running State = iota
	Checkpointing
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Frontier is the part of the frontier queue a checkpoint needs.
type Frontier interface {
	Drain() []string
}

// Store is the part of the paper store a checkpoint needs.
type Store interface {
	Snapshot() map[string]paper.Paper
	SnapshotCount() int
}

// DeadLetters lists ids that were given up on.
type DeadLetters interface {
	DeadLetters() []paper.DeadLetter
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	GracePeriod time.Duration
	// Topic receives a Summary when the run exits. Empty disables publishing.
	Topic string
	// Manifest seeds run.json; counters and status are filled in on exit.
	Manifest Manifest
}

// Result describes how a run exited.
type Result struct {
	State    State
	Manifest Manifest
	// Remaining holds the ids that still need expansion.
	Remaining []string
}

// Manager writes the final artifacts of a run, either after the frontier
// drained (Complete) or after an interrupt (Checkpoint).
type Manager struct {
	frontier  Frontier
	store     Store
	dead      DeadLetters
	writer    *Writer
	publisher paper.Publisher
	emitter   progress.Emitter
	clock     paper.Clock
	cfg       ManagerConfig
	logger    *zap.Logger

	state atomic.Int32
}

// NewManager creates a Manager in the Running state. publisher, emitter,
// clock and logger may be nil.
func NewManager(
	frontier Frontier,
	store Store,
	dead DeadLetters,
	writer *Writer,
	publisher paper.Publisher,
	emitter progress.Emitter,
	clock paper.Clock,
	cfg ManagerConfig,
	logger *zap.Logger,
) *Manager {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	cfg.Manifest.RunID = writer.Run().ID
	return &Manager{
		frontier:  frontier,
		store:     store,
		dead:      dead,
		writer:    writer,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start writes the initial manifest with status running.
func (m *Manager) Start(ctx context.Context) error {
	manifest := m.cfg.Manifest
	manifest.Status = StatusRunning
	if manifest.StartedAt.IsZero() {
		manifest.StartedAt = m.clock.Now()
		m.cfg.Manifest.StartedAt = manifest.StartedAt
	}
	return m.writer.WriteManifest(ctx, manifest)
}

// Complete persists a run whose frontier drained.
func (m *Manager) Complete(ctx context.Context) (Result, error) {
	if !m.state.CompareAndSwap(int32(Running), int32(Checkpointing)) {
		return Result{State: m.State()}, fmt.Errorf("complete run: manager is %s", m.State())
	}
	return m.finish(context.WithoutCancel(ctx), StatusCompleted, []string{})
}

// Checkpoint runs the interrupt protocol. The frontier is drained first so no
// further ids are popped, then workers get up to the grace period to hand
// their in-flight ids back before a second drain collects them. ctx is
// normally already canceled; writes run detached from it.
func (m *Manager) Checkpoint(ctx context.Context, workersDone <-chan struct{}) (Result, error) {
	if !m.state.CompareAndSwap(int32(Running), int32(Checkpointing)) {
		return Result{State: m.State()}, fmt.Errorf("checkpoint: manager is %s", m.State())
	}
	m.logger.Info("checkpoint started", zap.Duration("grace_period", m.cfg.GracePeriod))

	remaining := m.frontier.Drain()

	timer := time.NewTimer(m.cfg.GracePeriod)
	select {
	case <-workersDone:
		timer.Stop()
	case <-timer.C:
		m.logger.Warn("workers still running after grace period, in-flight ids may be lost")
	}

	remaining = dedupe(append(remaining, m.frontier.Drain()...))
	return m.finish(context.WithoutCancel(ctx), StatusInterrupted, remaining)
}

func (m *Manager) finish(ctx context.Context, status Status, remaining []string) (Result, error) {
	defer m.state.Store(int32(Exited))
	ctx, span := telemetry.Start(ctx, "checkpoint.finish", attribute.String("status", string(status)))

	papers := m.store.Snapshot()
	var dead []paper.DeadLetter
	if m.dead != nil {
		dead = m.dead.DeadLetters()
	}
	now := m.clock.Now()

	manifest := m.cfg.Manifest
	manifest.Status = status
	manifest.FinishedAt = &now
	manifest.Papers = len(papers)
	manifest.Remaining = len(remaining)
	manifest.DeadLetters = len(dead)
	manifest.Snapshots = m.store.SnapshotCount()

	result := Result{State: Exited, Manifest: manifest, Remaining: remaining}

	var errs []error
	if err := m.writer.WriteDatabase(ctx, papers); err != nil {
		errs = append(errs, err)
	}
	if err := m.writer.WriteRemaining(ctx, remaining); err != nil {
		errs = append(errs, err)
	}
	if err := m.writer.WriteDeadLetters(ctx, dead); err != nil {
		errs = append(errs, err)
	}
	if err := m.writer.WriteManifest(ctx, manifest); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		telemetry.End(span, err)
		m.logger.Error("checkpoint write failed", zap.Error(err))
		return result, fmt.Errorf("write checkpoint: %w", err)
	}
	span.SetAttributes(attribute.Int("papers", manifest.Papers), attribute.Int("remaining", manifest.Remaining))
	telemetry.End(span, nil)

	m.emitter.Emit(progress.Event{
		RunID: manifest.RunID,
		TS:    now,
		Stage: progress.StageCheckpoint,
		Count: len(remaining),
		Note:  string(status),
	})
	m.publish(ctx, manifest)

	m.logger.Info("checkpoint written",
		zap.Int("run_id", manifest.RunID),
		zap.String("status", string(status)),
		zap.Int("papers", manifest.Papers),
		zap.Int("remaining", manifest.Remaining),
		zap.Int("dead_letters", manifest.DeadLetters),
	)
	return result, nil
}

func (m *Manager) publish(ctx context.Context, manifest Manifest) {
	if m.publisher == nil || m.cfg.Topic == "" {
		return
	}
	summary := Summary{
		RunID:       manifest.RunID,
		SessionID:   manifest.SessionID,
		Status:      manifest.Status,
		Papers:      manifest.Papers,
		Remaining:   manifest.Remaining,
		DeadLetters: manifest.DeadLetters,
		Artifacts:   m.writer.URIs(),
		FinishedAt:  *manifest.FinishedAt,
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	id, err := m.publisher.Publish(pctx, m.cfg.Topic, summary)
	if err != nil {
		m.logger.Warn("publish run summary failed", zap.String("topic", m.cfg.Topic), zap.Error(err))
		return
	}
	m.logger.Debug("run summary published", zap.String("message_id", id))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
