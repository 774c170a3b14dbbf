// Package progress carries crawl progress events from workers and the
// checkpoint path to pluggable sinks. Emitting never blocks: events are
// buffered and flushed in batches on a background goroutine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageSeed         Stage = "SEED"
	StageRegistered   Stage = "REGISTERED"
	StageExpanded     Stage = "EXPANDED"
	StageExpandFailed Stage = "EXPAND_FAILED"
	StageDeadLetter   Stage = "DEAD_LETTER"
	StageSnapshot     Stage = "SNAPSHOT"
	StageCheckpoint   Stage = "CHECKPOINT"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures one crawl milestone.
type Event struct {
	RunID int
	TS    time.Time
	Stage Stage
	// PaperID is the subject of paper-level stages.
	PaperID string
	// Paper is set for SEED and REGISTERED.
	Paper *paper.Paper
	// Refs is set for EXPANDED and lists every raw reference id.
	Refs []paper.Ref
	// Attempt counts failed expansions of PaperID so far.
	Attempt int
	// Count carries a run-level total (papers, remaining ids).
	Count int
	Dur   time.Duration
	Note  string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID <= 0 {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageSnapshot, StageCheckpoint, StageRunDone:
		return nil
	case StageSeed, StageRegistered:
		if e.Paper == nil {
			return fmt.Errorf("%s requires a paper", e.Stage)
		}
	case StageExpanded, StageExpandFailed, StageDeadLetter:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.PaperID == "" {
		return fmt.Errorf("%s requires a paper id", e.Stage)
	}
	return nil
}
