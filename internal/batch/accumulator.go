package batch

import (
	"time"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// Accumulator groups index actions into bounded batches. A batch is cut
// when it reaches maxSize actions or when maxLinger has elapsed since the
// first action of the current batch arrived. Arrival order is preserved;
// the accumulator never reorders or deduplicates — repeated writes to the
// same document are made harmless by the writer's idempotent semantics.
type Accumulator struct {
	maxSize   int
	maxLinger time.Duration

	actions []domain.IndexAction
	started time.Time
	now     func() time.Time
}

// New creates an accumulator with the given flush bounds.
func New(maxSize int, maxLinger time.Duration) *Accumulator {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxLinger <= 0 {
		maxLinger = time.Second
	}
	return &Accumulator{
		maxSize:   maxSize,
		maxLinger: maxLinger,
		now:       time.Now,
	}
}

// Add appends one action in arrival order.
func (a *Accumulator) Add(action domain.IndexAction) {
	if len(a.actions) == 0 {
		a.started = a.now()
	}
	a.actions = append(a.actions, action)
}

// Len returns the number of buffered actions.
func (a *Accumulator) Len() int {
	return len(a.actions)
}

// ShouldFlush reports whether the size or linger bound has been reached.
func (a *Accumulator) ShouldFlush() bool {
	if len(a.actions) == 0 {
		return false
	}
	if len(a.actions) >= a.maxSize {
		return true
	}
	return a.now().Sub(a.started) >= a.maxLinger
}

// Drain hands the current batch over and resets the accumulator.
// Ownership of the returned batch transfers to the caller; the
// accumulator keeps no reference to it.
func (a *Accumulator) Drain() domain.Batch {
	b := domain.Batch{Actions: a.actions}
	a.actions = nil
	a.started = time.Time{}
	return b
}
