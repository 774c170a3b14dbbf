package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
)

// GraphRepository persists papers and citation edges outside the run
// directory. Both calls must be idempotent.
type GraphRepository interface {
	UpsertPapers(ctx context.Context, runID int, papers []paper.Paper) error
	InsertReferences(ctx context.Context, runID int, citing string, refs []paper.Ref) error
	Close() error
}

// GraphSink mirrors registered papers and expanded edges into a
// GraphRepository.
type GraphSink struct {
	repo   GraphRepository
	logger *zap.Logger
}

// NewGraphSink constructs a GraphSink for the provided repository.
func NewGraphSink(repo GraphRepository, logger *zap.Logger) *GraphSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphSink{repo: repo, logger: logger}
}

// Consume collapses the batch into one paper upsert per run followed by the
// edge inserts, so edges never point at papers the batch has not written yet.
func (s *GraphSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	papers := make(map[int][]paper.Paper)
	var expanded []progress.Event
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSeed, progress.StageRegistered:
			papers[evt.RunID] = append(papers[evt.RunID], *evt.Paper)
		case progress.StageExpanded:
			expanded = append(expanded, evt)
		}
	}
	for runID, list := range papers {
		if err := s.repo.UpsertPapers(ctx, runID, list); err != nil {
			return fmt.Errorf("upsert papers: %w", err)
		}
	}
	for _, evt := range expanded {
		if err := s.repo.InsertReferences(ctx, evt.RunID, evt.PaperID, evt.Refs); err != nil {
			return fmt.Errorf("insert references of %s: %w", evt.PaperID, err)
		}
	}
	if n := len(expanded); n > 0 {
		s.logger.Debug("graph batch persisted", zap.Int("expanded", n))
	}
	return nil
}

// Close releases the repository.
func (s *GraphSink) Close(context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if err := s.repo.Close(); err != nil {
		return fmt.Errorf("close graph repository: %w", err)
	}
	return nil
}
