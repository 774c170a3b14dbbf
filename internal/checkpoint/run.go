// Package checkpoint owns the on-disk run layout: allocating run directories,
// writing snapshot artifacts, reading them back for resume, and the shutdown
// protocol that turns an interrupt into a consistent checkpoint.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Artifact names inside a run directory.
const (
	DatabaseFile   = "db.json"
	RemainingFile  = "remaining.json"
	SeedsFile      = "start_points.json"
	DeadLetterFile = "dead_letter.json"
	ManifestFile   = "run.json"
)

// ErrNoCheckpoint reports a missing run directory or artifact.
var ErrNoCheckpoint = errors.New("checkpoint not found")

// Run identifies one crawl execution and its directory under Root.
type Run struct {
	ID   int
	Root string
	Dir  string
}

// Object returns the root-relative object name of an artifact.
func (r Run) Object(name string) string {
	return filepath.ToSlash(filepath.Join(strconv.Itoa(r.ID), name))
}

// Path returns the absolute-or-root-relative filesystem path of an artifact.
func (r Run) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// AllocateRun scans root for purely numeric directory names and creates the
// next one. The first run in an empty root is 1.
func AllocateRun(root string) (Run, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Run{}, fmt.Errorf("create checkpoint root: %w", err)
	}
	for {
		latest, err := LatestRun(root)
		if err != nil {
			return Run{}, err
		}
		id := latest + 1
		dir := filepath.Join(root, strconv.Itoa(id))
		err = os.Mkdir(dir, 0o750)
		if errors.Is(err, os.ErrExist) {
			// Another process claimed the id between scan and create.
			continue
		}
		if err != nil {
			return Run{}, fmt.Errorf("create run directory: %w", err)
		}
		return Run{ID: id, Root: root, Dir: dir}, nil
	}
}

// LatestRun returns the highest numeric run id under root, or 0 when there is
// none.
func LatestRun(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan checkpoint root: %w", err)
	}
	latest := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseRunID(e.Name())
		if ok && id > latest {
			latest = id
		}
	}
	return latest, nil
}

// OpenRun returns an existing run. It wraps ErrNoCheckpoint when the
// directory is missing.
func OpenRun(root string, id int) (Run, error) {
	dir := filepath.Join(root, strconv.Itoa(id))
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Run{}, fmt.Errorf("open run %d: %w", id, ErrNoCheckpoint)
	}
	if err != nil {
		return Run{}, fmt.Errorf("open run %d: %w", id, err)
	}
	if !info.IsDir() {
		return Run{}, fmt.Errorf("open run %d: %s is not a directory", id, dir)
	}
	return Run{ID: id, Root: root, Dir: dir}, nil
}

func parseRunID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(name)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
