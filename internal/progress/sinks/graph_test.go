package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
)

type fakeRepo struct {
	calls     []string
	papers    []paper.Paper
	edges     map[string][]paper.Ref
	upsertErr error
	closed    bool
}

func (r *fakeRepo) UpsertPapers(_ context.Context, _ int, papers []paper.Paper) error {
	r.calls = append(r.calls, "papers")
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.papers = append(r.papers, papers...)
	return nil
}

func (r *fakeRepo) InsertReferences(_ context.Context, _ int, citing string, refs []paper.Ref) error {
	r.calls = append(r.calls, "edges:"+citing)
	if r.edges == nil {
		r.edges = make(map[string][]paper.Ref)
	}
	r.edges[citing] = refs
	return nil
}

func (r *fakeRepo) Close() error {
	r.closed = true
	return nil
}

func TestGraphSinkWritesPapersBeforeEdges(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewGraphSink(repo, nil)
	now := time.Now()
	a := paper.Paper{PaperID: "A"}
	b := paper.Paper{PaperID: "B"}
	batch := []progress.Event{
		{RunID: 3, TS: now, Stage: progress.StageSeed, PaperID: "A", Paper: &a},
		{RunID: 3, TS: now, Stage: progress.StageExpanded, PaperID: "A",
			Refs: []paper.Ref{{PaperID: "B"}, {PaperID: "C"}}},
		{RunID: 3, TS: now, Stage: progress.StageRegistered, PaperID: "B", Paper: &b},
		{RunID: 3, TS: now, Stage: progress.StageSnapshot, Count: 2},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	assert.Equal(t, []string{"papers", "edges:A"}, repo.calls)
	assert.Len(t, repo.papers, 2)
	assert.Equal(t, []paper.Ref{{PaperID: "B"}, {PaperID: "C"}}, repo.edges["A"])

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, repo.closed)
}

func TestGraphSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{upsertErr: errors.New("db down")}
	sink := NewGraphSink(repo, nil)
	a := paper.Paper{PaperID: "A"}
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: 1, TS: time.Now(), Stage: progress.StageRegistered, PaperID: "A", Paper: &a},
	})
	require.ErrorContains(t, err, "db down")
}

func TestLogSinkAcceptsAnyBatch(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: 1, TS: time.Now(), Stage: progress.StageDeadLetter, PaperID: "A", Attempt: 5, Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
