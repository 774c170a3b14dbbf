package worker

import (
	"sync"
	"time"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// RetryTracker counts failed expansions per id and collects the ids that were
// given up on. It is shared by every worker in a pool.
type RetryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	attempts    map[string]int
	dead        []paper.DeadLetter
	clock       paper.Clock
}

// NewRetryTracker returns a tracker that abandons an id after maxAttempts
// failures. Zero or less retries transient failures forever.
func NewRetryTracker(maxAttempts int, clock paper.Clock) *RetryTracker {
	return &RetryTracker{
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
		clock:       clock,
	}
}

// Fail records a failed expansion of id and reports the attempt number and
// whether the id should be queued again. Permanent errors are never retried.
func (t *RetryTracker) Fail(id string, err error) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[id]++
	attempt := t.attempts[id]
	if !paper.IsPermanent(err) && (t.maxAttempts <= 0 || attempt < t.maxAttempts) {
		return attempt, true
	}
	delete(t.attempts, id)
	t.dead = append(t.dead, paper.DeadLetter{
		PaperID:  id,
		Attempts: attempt,
		Error:    err.Error(),
		At:       t.now(),
	})
	return attempt, false
}

// Succeed forgets earlier failures of id.
func (t *RetryTracker) Succeed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, id)
}

// DeadLetters returns the abandoned ids in the order they were given up.
func (t *RetryTracker) DeadLetters() []paper.DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]paper.DeadLetter{}, t.dead...)
}

func (t *RetryTracker) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}

// Restore carries dead letters over from an earlier run so they are persisted
// again at the next checkpoint.
func (t *RetryTracker) Restore(dead []paper.DeadLetter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = append(t.dead, dead...)
}
