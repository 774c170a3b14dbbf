package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

const mirrorTimeout = 30 * time.Second

// Writer persists run artifacts. Every artifact goes to the primary blob
// store, normally a local.BlobStore rooted at the checkpoint root. When a
// mirror is set, artifacts are also uploaded there; mirror failures are
// logged but never fail the write.
type Writer struct {
	run     Run
	primary paper.BlobStore
	mirror  paper.BlobStore
	logger  *zap.Logger

	mu   sync.Mutex
	uris map[string]string
}

// NewWriter creates a Writer for run. mirror may be nil.
func NewWriter(run Run, primary, mirror paper.BlobStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		run:     run,
		primary: primary,
		mirror:  mirror,
		logger:  logger,
		uris:    make(map[string]string),
	}
}

// Run returns the run the writer targets.
func (w *Writer) Run() Run {
	return w.run
}

// WriteSnapshot writes db.json to the primary store only. It satisfies
// store.SnapshotWriter and is called with the store lock held, so it never
// touches the mirror; WriteDatabase at checkpoint time does.
func (w *Writer) WriteSnapshot(papers map[string]paper.Paper) error {
	if papers == nil {
		papers = map[string]paper.Paper{}
	}
	_, err := w.writePrimary(context.Background(), DatabaseFile, papers)
	return err
}

// WriteDatabase writes db.json.
func (w *Writer) WriteDatabase(ctx context.Context, papers map[string]paper.Paper) error {
	if papers == nil {
		papers = map[string]paper.Paper{}
	}
	return w.write(ctx, DatabaseFile, papers)
}

// WriteRemaining writes remaining.json.
func (w *Writer) WriteRemaining(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return w.write(ctx, RemainingFile, ids)
}

// WriteDeadLetters writes dead_letter.json.
func (w *Writer) WriteDeadLetters(ctx context.Context, dead []paper.DeadLetter) error {
	if dead == nil {
		dead = []paper.DeadLetter{}
	}
	return w.write(ctx, DeadLetterFile, dead)
}

// WriteSeeds copies the resolved seeds into the run directory.
func (w *Writer) WriteSeeds(ctx context.Context, seeds []paper.Paper) error {
	if seeds == nil {
		seeds = []paper.Paper{}
	}
	return w.write(ctx, SeedsFile, seeds)
}

// WriteManifest writes run.json.
func (w *Writer) WriteManifest(ctx context.Context, m Manifest) error {
	return w.write(ctx, ManifestFile, m)
}

// URIs returns the location of every artifact written so far, keyed by name.
// Mirror URIs take precedence when present.
func (w *Writer) URIs() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.uris)
}

func (w *Writer) write(ctx context.Context, name string, v any) error {
	data, err := w.writePrimary(ctx, name, v)
	if err != nil {
		return err
	}

	if w.mirror != nil {
		object := w.run.Object(name)
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		mirrored, err := w.mirror.PutObject(mctx, object, "application/json", bytes.NewReader(data))
		if err != nil {
			w.logger.Warn("mirror upload failed", zap.String("object", object), zap.Error(err))
			return nil
		}
		w.record(name, mirrored)
	}
	return nil
}

// writePrimary encodes v and stores it in the primary blob store, returning
// the encoded bytes.
func (w *Writer) writePrimary(ctx context.Context, name string, v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	uri, err := w.primary.PutObject(ctx, w.run.Object(name), "application/json", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	w.record(name, uri)
	return buf.Bytes(), nil
}

func (w *Writer) record(name, uri string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uris[name] = uri
}
