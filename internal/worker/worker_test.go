package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/frontier"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/store"
)

func TestWorker_ExpandRegistersAcceptedReferences(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	q.Push("A")

	src := newFakeSource()
	src.refs["A"] = []paper.Paper{paperWithYear("B", 2005), paperWithYear("C", 1998), {}}
	emitter := &recordingEmitter{}

	w := New(q, s, src, nil, emitter, &fakeClock{now: time.Unix(100, 0)}, Config{RunID: 1, Filter: paper.DefaultFilter()}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)

	a, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, []paper.Ref{{PaperID: "B"}, {PaperID: "C"}}, a.References)
	_, ok = s.Get("C")
	assert.False(t, ok, "1998 is filtered out")
	b, ok := s.Get("B")
	require.True(t, ok)
	assert.Equal(t, []paper.Ref{}, b.References, "B was expanded with no references")

	assert.Equal(t, []string{"A", "B"}, src.Calls())
	assert.Equal(t, paper.DefaultFields, src.LastFields())
	assert.Equal(t,
		[]progress.Stage{progress.StageRegistered, progress.StageExpanded, progress.StageExpanded},
		emitter.Stages())
}

func TestWorker_ExistingReferenceIsNotRequeued(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	s.RegisterIfAbsent("B", paperWithYear("B", 2011))
	q.Push("A")

	src := newFakeSource()
	src.refs["A"] = []paper.Paper{paperWithYear("B", 2011)}

	w := New(q, s, src, nil, nil, nil, Config{RunID: 1, Filter: paper.DefaultFilter()}, nil)
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, src.Calls(), "B was registered elsewhere and must not be expanded here")
}

func TestWorker_ReferenceWithoutIDIsSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	q.Push("A")

	src := newFakeSource()
	src.refs["A"] = []paper.Paper{paperWithYear("", 2012), paperWithYear("B", 2012)}

	// year alone is required, so the id check cannot come from the config.
	w := New(q, s, src, nil, nil, nil, Config{RunID: 1, Filter: paper.Filter{RequiredFields: []string{paper.FieldYear}}}, nil)
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)
	_, ok := s.Get("")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"A", "B"}, src.Calls())
}

func TestWorker_TransientFailureRequeues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	q.Push("A")

	src := newFakeSource()
	src.failures["A"] = 2
	src.refs["A"] = []paper.Paper{}
	tracker := NewRetryTracker(5, nil)

	w := New(q, s, src, tracker, nil, nil, Config{RunID: 1, Filter: paper.DefaultFilter()}, nil)
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "A", "A"}, src.Calls())
	a, _ := s.Get("A")
	assert.True(t, a.Expanded())
	assert.Empty(t, tracker.DeadLetters())
}

func TestWorker_RetriesAreCapped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	q.Push("A")

	src := newFakeSource()
	src.failures["A"] = 100
	tracker := NewRetryTracker(3, nil)
	emitter := &recordingEmitter{}

	w := New(q, s, src, tracker, emitter, nil, Config{RunID: 1, Filter: paper.DefaultFilter()}, nil)
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)
	assert.Len(t, src.Calls(), 3)
	dead := tracker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "A", dead[0].PaperID)
	assert.Equal(t, 3, dead[0].Attempts)
	a, _ := s.Get("A")
	assert.False(t, a.Expanded())
	assert.Equal(t,
		[]progress.Stage{progress.StageExpandFailed, progress.StageExpandFailed, progress.StageDeadLetter},
		emitter.Stages())
}

func TestWorker_PermanentFailureIsDeadLettered(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("gone", paperWithYear("gone", 2010))
	q.Push("gone")

	src := newFakeSource()
	src.permanent["gone"] = true
	tracker := NewRetryTracker(0, nil)

	w := New(q, s, src, tracker, nil, nil, Config{RunID: 1, Filter: paper.DefaultFilter()}, nil)
	go w.Run(ctx)

	require.Eventually(t, q.IsDrained, time.Second, 5*time.Millisecond)
	assert.Len(t, src.Calls(), 1)
	require.Len(t, tracker.DeadLetters(), 1)
}

func TestWorker_CanceledFetchIsHandedBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	q := frontier.New()
	s := store.New(store.Config{})
	s.RegisterIfAbsent("A", paperWithYear("A", 2010))
	q.Push("A")

	src := newFakeSource()
	src.block = true
	tracker := NewRetryTracker(1, nil)

	w := New(q, s, src, tracker, nil, nil, Config{RunID: 1, Filter: paper.DefaultFilter()}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(src.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	q.Drain()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, []string{"A"}, q.Drain())
	assert.Empty(t, tracker.DeadLetters(), "cancellation does not count as an attempt")
	assert.Equal(t, 0, q.InFlight())
}

func TestRetryTrackerUnlimited(t *testing.T) {
	t.Parallel()

	tracker := NewRetryTracker(0, &fakeClock{now: time.Unix(5, 0)})
	for i := 1; i <= 50; i++ {
		attempt, retry := tracker.Fail("A", errors.New("flaky"))
		require.True(t, retry)
		require.Equal(t, i, attempt)
	}
	tracker.Succeed("A")
	attempt, _ := tracker.Fail("A", errors.New("flaky"))
	assert.Equal(t, 1, attempt)
}

func paperWithYear(id string, year int) paper.Paper {
	title, abstract := "T "+id, "abstract"
	refs, cites := 1, 1
	return paper.Paper{
		PaperID:        id,
		Title:          &title,
		Year:           &year,
		Abstract:       &abstract,
		ReferenceCount: &refs,
		CitationCount:  &cites,
		FieldsOfStudy:  []string{"Computer Science"},
	}
}

type statusErr struct{}

func (statusErr) Error() string   { return "not found" }
func (statusErr) Permanent() bool { return true }

type fakeSource struct {
	mu        sync.Mutex
	refs      map[string][]paper.Paper
	failures  map[string]int
	permanent map[string]bool
	block     bool
	calls     []string
	fields    []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		refs:      make(map[string][]paper.Paper),
		failures:  make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (f *fakeSource) References(ctx context.Context, id string, fields []string) ([]paper.Paper, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.fields = fields
	block := f.block
	if f.permanent[id] {
		f.mu.Unlock()
		return nil, statusErr{}
	}
	if f.failures[id] > 0 {
		f.failures[id]--
		f.mu.Unlock()
		return nil, errors.New("503 service unavailable")
	}
	refs := f.refs[id]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return refs, nil
}

func (f *fakeSource) Search(context.Context, string, []string) ([]paper.Paper, error) {
	return nil, nil
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) LastFields() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func TestRetryTrackerRestore(t *testing.T) {
	t.Parallel()

	tracker := NewRetryTracker(1, &fakeClock{now: time.Unix(5, 0)})
	tracker.Restore([]paper.DeadLetter{{PaperID: "old", Attempts: 5}})
	_, retry := tracker.Fail("new", errors.New("flaky"))
	require.False(t, retry)

	dead := tracker.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, "old", dead[0].PaperID)
	assert.Equal(t, "new", dead[1].PaperID)
}
