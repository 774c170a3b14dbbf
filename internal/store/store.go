// Package store keeps the deduplicated paper database for a crawl. A single
// coarse mutex guards registration, reference updates and snapshots so that
// insert-if-absent is one indivisible decision for every worker.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/metrics"
	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// DefaultSnapshotEvery is the insertion cadence of the periodic snapshot.
const DefaultSnapshotEvery = 50

// SnapshotWriter persists a point-in-time copy of the store. It is called
// while the store lock is held.
type SnapshotWriter interface {
	WriteSnapshot(snapshot map[string]paper.Paper) error
}

// Config tunes the periodic snapshot hook.
type Config struct {
	// SnapshotEvery triggers a snapshot after every N successful insertions.
	// Zero or less disables the hook.
	SnapshotEvery int
	Writer        SnapshotWriter
	Logger        *zap.Logger
}

// Store maps paper ids to records.
type Store struct {
	mu         sync.Mutex
	papers     map[string]paper.Paper
	insertions int
	snapshots  int
	every      int
	writer     SnapshotWriter
	logger     *zap.Logger
}

// New returns an empty Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		papers: make(map[string]paper.Paper),
		every:  cfg.SnapshotEvery,
		writer: cfg.Writer,
		logger: logger,
	}
}

// RegisterIfAbsent inserts p under id unless id is already known. It reports
// whether the id was already present; exactly one caller per id sees false.
func (s *Store) RegisterIfAbsent(id string, p paper.Paper) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.papers[id]; ok {
		return true
	}
	p = p.Clone()
	p.PaperID = id
	s.papers[id] = p
	s.insertions++
	metrics.ObservePaperRegistered()
	if s.every > 0 && s.insertions%s.every == 0 {
		s.snapshotLocked()
	}
	return false
}

// UpdateReferences records the references of an existing paper. Unknown ids
// and papers whose references are already set are left untouched; the return
// value reports whether the record changed.
func (s *Store) UpdateReferences(id string, refs []paper.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[id]
	if !ok {
		s.logger.Warn("reference update for unknown paper", zap.String("paper_id", id))
		return false
	}
	if p.Expanded() {
		s.logger.Debug("references already recorded", zap.String("paper_id", id))
		return false
	}
	p.References = append(make([]paper.Ref, 0, len(refs)), refs...)
	s.papers[id] = p
	return true
}

// Snapshot returns a deep copy of every record.
func (s *Store) Snapshot() map[string]paper.Paper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (paper.Paper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[id]
	if !ok {
		return paper.Paper{}, false
	}
	return p.Clone(), true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.papers)
}

// SnapshotCount returns how many periodic snapshots were written successfully.
func (s *Store) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

// Load preloads records from a previous run. Existing ids win and loaded
// records do not advance the snapshot cadence. It returns the number added.
func (s *Store) Load(papers map[string]paper.Paper) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for id, p := range papers {
		if _, ok := s.papers[id]; ok {
			continue
		}
		p = p.Clone()
		p.PaperID = id
		s.papers[id] = p
		added++
	}
	return added
}

func (s *Store) snapshotLocked() {
	if s.writer == nil {
		return
	}
	if err := s.writer.WriteSnapshot(s.copyLocked()); err != nil {
		metrics.ObserveSnapshot("error")
		s.logger.Error("periodic snapshot failed", zap.Int("insertions", s.insertions), zap.Error(err))
		return
	}
	s.snapshots++
	metrics.ObserveSnapshot("ok")
	s.logger.Info("periodic snapshot written",
		zap.Int("insertions", s.insertions),
		zap.Int("papers", len(s.papers)),
	)
}

func (s *Store) copyLocked() map[string]paper.Paper {
	out := make(map[string]paper.Paper, len(s.papers))
	for id, p := range s.papers {
		out[id] = p.Clone()
	}
	return out
}
