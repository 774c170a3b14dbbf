// Package seeds resolves the start points of a crawl, either by searching the
// paper source for titles or by reloading the last resolved list.
package seeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/checkpoint"
	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// ErrNoSeeds means no title resolved to a paper and nothing could be reloaded.
var ErrNoSeeds = errors.New("no seeds resolved")

// Blobs reads and writes root-relative objects; local.BlobStore satisfies it.
type Blobs interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Resolver turns titles into seed papers and caches the result at the
// checkpoint root as start_points.json.
type Resolver struct {
	source paper.Source
	blobs  Blobs
	fields []string
	logger *zap.Logger
}

// NewResolver creates a Resolver. fields defaults to paper.DefaultFields.
func NewResolver(source paper.Source, blobs Blobs, fields []string, logger *zap.Logger) *Resolver {
	if len(fields) == 0 {
		fields = paper.DefaultFields
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, blobs: blobs, fields: fields, logger: logger}
}

// Resolve returns the seeds. With refresh, each title is searched and the
// first hit kept; the list is then cached. Without refresh the cached list is
// used, falling back to a search when there is no cache yet.
func (r *Resolver) Resolve(ctx context.Context, titles []string, refresh bool) ([]paper.Paper, error) {
	if !refresh {
		cached, err := r.load(ctx)
		switch {
		case err == nil:
			r.logger.Info("seeds reloaded", zap.Int("count", len(cached)))
			return cached, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		case len(titles) == 0:
			return nil, fmt.Errorf("%w: no cached %s and no titles", ErrNoSeeds, checkpoint.SeedsFile)
		}
		r.logger.Info("no cached seeds, searching titles")
	}

	out := make([]paper.Paper, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		hits, err := r.source.Search(ctx, title, r.fields)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", title, err)
		}
		if len(hits) == 0 || hits[0].PaperID == "" {
			r.logger.Warn("no paper found for title", zap.String("title", title))
			continue
		}
		r.logger.Debug("seed resolved", zap.String("title", title), zap.String("paper_id", hits[0].PaperID))
		out = append(out, hits[0])
	}
	if len(out) == 0 {
		return nil, ErrNoSeeds
	}
	if err := r.save(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) load(ctx context.Context) ([]paper.Paper, error) {
	data, err := r.blobs.GetObject(ctx, checkpoint.SeedsFile)
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	var out []paper.Paper
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoSeeds, checkpoint.SeedsFile)
	}
	return out, nil
}

func (r *Resolver) save(ctx context.Context, seeds []paper.Paper) error {
	data, err := json.MarshalIndent(seeds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode seeds: %w", err)
	}
	if _, err := r.blobs.PutObject(ctx, checkpoint.SeedsFile, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write seeds: %w", err)
	}
	return nil
}
