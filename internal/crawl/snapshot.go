package crawl

import (
	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/store"
)

type notifyingSnapshotWriter struct {
	next    store.SnapshotWriter
	emitter progress.Emitter
	runID   int
	clock   paper.Clock
}

// NotifyingSnapshotWriter wraps next so each successful periodic snapshot
// also emits a SNAPSHOT event.
func NotifyingSnapshotWriter(next store.SnapshotWriter, emitter progress.Emitter, runID int, clock paper.Clock) store.SnapshotWriter {
	if clock == nil {
		clock = system.New()
	}
	return &notifyingSnapshotWriter{next: next, emitter: emitter, runID: runID, clock: clock}
}

func (w *notifyingSnapshotWriter) WriteSnapshot(snapshot map[string]paper.Paper) error {
	if err := w.next.WriteSnapshot(snapshot); err != nil {
		return err
	}
	if w.emitter != nil {
		w.emitter.Emit(progress.Event{
			RunID: w.runID,
			TS:    w.clock.Now(),
			Stage: progress.StageSnapshot,
			Count: len(snapshot),
		})
	}
	return nil
}
