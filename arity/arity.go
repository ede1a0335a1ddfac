package arity

import (
	"iter"
	"strings"
)

// StrokeSeparator separates the strokes of a multi-stroke outline
const StrokeSeparator = "/"

// TokenCount returns the number of strokes in an outline. Every outline,
// including the empty one, has at least one stroke.
func TokenCount(key string) int {
	return strings.Count(key, StrokeSeparator) + 1
}

// Tracker maintains the maximum stroke count over a set of outlines.
// Additions only ever raise the maximum; removing an outline that held the
// maximum marks the tracker stale until Rescan is called.
type Tracker struct {
	max   int
	stale bool
}

// Observe records an outline being added
func (t *Tracker) Observe(key string) {
	if n := TokenCount(key); n > t.max {
		t.max = n
	}
}

// Forget records an outline being removed.
// Returns true if the removed outline may have held the maximum, in which
// case the caller must Rescan the remaining outlines.
func (t *Tracker) Forget(key string) bool {
	if TokenCount(key) < t.max {
		return false
	}
	t.stale = true
	return true
}

// Rescan recomputes the maximum from scratch
func (t *Tracker) Rescan(keys iter.Seq[string]) {
	t.max = 0
	for k := range keys {
		t.Observe(k)
	}
	t.stale = false
}

// Stale reports whether a Rescan is pending
func (t *Tracker) Stale() bool {
	return t.stale
}

// Max returns the current maximum stroke count, 0 when empty
func (t *Tracker) Max() int {
	return t.max
}

// Reset empties the tracker
func (t *Tracker) Reset() {
	t.max = 0
	t.stale = false
}
