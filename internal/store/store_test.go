package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

type countingWriter struct {
	mu    sync.Mutex
	sizes []int
	err   error
}

func (w *countingWriter) WriteSnapshot(snapshot map[string]paper.Paper) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sizes = append(w.sizes, len(snapshot))
	return nil
}

func (w *countingWriter) Sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.sizes...)
}

func TestRegisterIfAbsentIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	assert.False(t, s.RegisterIfAbsent("A", paper.Paper{PaperID: "A"}))
	assert.True(t, s.RegisterIfAbsent("A", paper.Paper{PaperID: "A"}))
	assert.Equal(t, 1, s.Len())
}

func TestRegisterIfAbsentSingleWinnerUnderContention(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if !s.RegisterIfAbsent("shared", paper.Paper{PaperID: "shared"}) {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestUpdateReferences(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	assert.False(t, s.UpdateReferences("missing", []paper.Ref{{PaperID: "B"}}))
	assert.Equal(t, 0, s.Len())

	s.RegisterIfAbsent("A", paper.Paper{PaperID: "A"})
	assert.True(t, s.UpdateReferences("A", []paper.Ref{{PaperID: "B"}, {PaperID: "C"}}))
	got, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, []paper.Ref{{PaperID: "B"}, {PaperID: "C"}}, got.References)

	assert.False(t, s.UpdateReferences("A", []paper.Ref{{PaperID: "Z"}}), "references are set once")
	got, _ = s.Get("A")
	assert.Len(t, got.References, 2)
}

func TestUpdateReferencesEmptyMarksExpanded(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	s.RegisterIfAbsent("A", paper.Paper{PaperID: "A"})
	require.True(t, s.UpdateReferences("A", nil))
	got, _ := s.Get("A")
	assert.True(t, got.Expanded())
	assert.Empty(t, got.References)
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	s.RegisterIfAbsent("A", paper.Paper{PaperID: "A"})
	snap := s.Snapshot()
	s.RegisterIfAbsent("B", paper.Paper{PaperID: "B"})
	s.UpdateReferences("A", []paper.Ref{{PaperID: "B"}})

	assert.Len(t, snap, 1)
	assert.Nil(t, snap["A"].References)
}

func TestSnapshotCadence(t *testing.T) {
	t.Parallel()

	w := &countingWriter{}
	s := New(Config{SnapshotEvery: DefaultSnapshotEvery, Writer: w})
	register := func(from, to int) {
		for i := from; i < to; i++ {
			id := fmt.Sprintf("p%03d", i)
			s.RegisterIfAbsent(id, paper.Paper{PaperID: id})
		}
	}

	register(0, 50)
	assert.Equal(t, []int{50}, w.Sizes())

	register(50, 99)
	assert.Len(t, w.Sizes(), 1)

	// Duplicates are not insertions.
	s.RegisterIfAbsent("p000", paper.Paper{PaperID: "p000"})
	assert.Len(t, w.Sizes(), 1)

	register(99, 100)
	assert.Equal(t, []int{50, 100}, w.Sizes())
	assert.Equal(t, 2, s.SnapshotCount())
}

func TestSnapshotFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	w := &countingWriter{err: errors.New("disk full")}
	s := New(Config{SnapshotEvery: 2, Writer: w})
	assert.False(t, s.RegisterIfAbsent("a", paper.Paper{}))
	assert.False(t, s.RegisterIfAbsent("b", paper.Paper{}))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 0, s.SnapshotCount())
}

func TestLoadDoesNotAdvanceCadence(t *testing.T) {
	t.Parallel()

	w := &countingWriter{}
	s := New(Config{SnapshotEvery: 2, Writer: w})
	added := s.Load(map[string]paper.Paper{
		"A": {PaperID: "A", References: []paper.Ref{{PaperID: "B"}}},
		"B": {PaperID: "B"},
		"C": {PaperID: "C"},
	})
	assert.Equal(t, 3, added)
	assert.Empty(t, w.Sizes())
	assert.True(t, s.RegisterIfAbsent("B", paper.Paper{}))

	s.RegisterIfAbsent("D", paper.Paper{})
	assert.Empty(t, w.Sizes())
	s.RegisterIfAbsent("E", paper.Paper{})
	assert.Equal(t, []int{5}, w.Sizes())
}
