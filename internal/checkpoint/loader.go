package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// ObjectReader reads a root-relative object; local.BlobStore satisfies it.
type ObjectReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Saved is everything a previous run left behind.
type Saved struct {
	Run         Run
	Papers      map[string]paper.Paper
	Remaining   []string
	DeadLetters []paper.DeadLetter
	Manifest    *Manifest
}

// Loader reads run artifacts back.
type Loader struct {
	reader ObjectReader
	logger *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(reader ObjectReader, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{reader: reader, logger: logger}
}

// Load reads a run's artifacts. db.json is required. When remaining.json is
// missing, typically because the process was killed before it could
// checkpoint, the unexpanded papers in db.json are treated as remaining.
func (l *Loader) Load(ctx context.Context, run Run) (Saved, error) {
	saved := Saved{Run: run}

	var papers map[string]paper.Paper
	if err := l.read(ctx, run.Object(DatabaseFile), &papers); err != nil {
		return Saved{}, err
	}
	if papers == nil {
		papers = map[string]paper.Paper{}
	}
	saved.Papers = papers

	err := l.read(ctx, run.Object(RemainingFile), &saved.Remaining)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
		saved.Remaining = Unexpanded(papers)
		l.logger.Warn("remaining.json missing, recovering from db.json",
			zap.Int("run_id", run.ID),
			zap.Int("remaining", len(saved.Remaining)),
		)
	case err != nil:
		return Saved{}, err
	}

	if err := l.read(ctx, run.Object(DeadLetterFile), &saved.DeadLetters); err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return Saved{}, err
	}

	var m Manifest
	switch err := l.read(ctx, run.Object(ManifestFile), &m); {
	case err == nil:
		saved.Manifest = &m
	case !errors.Is(err, ErrNoCheckpoint):
		return Saved{}, err
	}
	return saved, nil
}

// LoadSeeds reads a start_points.json object.
func (l *Loader) LoadSeeds(ctx context.Context, object string) ([]paper.Paper, error) {
	var seeds []paper.Paper
	if err := l.read(ctx, object, &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}

func (l *Loader) read(ctx context.Context, object string, v any) error {
	data, err := l.reader.GetObject(ctx, object)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", object, ErrNoCheckpoint)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", object, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", object, err)
	}
	return nil
}

// Unexpanded returns the ids whose references were never fetched, sorted.
func Unexpanded(papers map[string]paper.Paper) []string {
	out := make([]string, 0)
	for id, p := range papers {
		if !p.Expanded() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
