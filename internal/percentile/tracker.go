// Package percentile ranks values against a growing sorted history.
package percentile

import (
	"slices"
	"sort"
)

// Tracker keeps the loudness history in ascending order. Callers rank a
// value before inserting it, so a value is never compared against itself.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	sorted []float64
	// order holds values in insertion order, only when a window is set
	order      []float64
	maxHistory int
}

// New returns an unbounded tracker
func New() *Tracker {
	return &Tracker{}
}

// NewWindowed returns a tracker that keeps only the maxHistory most recently
// inserted values. maxHistory <= 0 means unbounded.
func NewWindowed(maxHistory int) *Tracker {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Tracker{maxHistory: maxHistory}
}

// Rank returns the fraction of the history strictly below v, in [0, 1].
// Ties resolve to the first equal element. An empty history ranks 0.
func (t *Tracker) Rank(v float64) float64 {
	if len(t.sorted) == 0 {
		return 0
	}
	i := sort.SearchFloat64s(t.sorted, v)
	return float64(i) / float64(len(t.sorted))
}

// Insert adds v, keeping the history sorted
func (t *Tracker) Insert(v float64) {
	i := sort.SearchFloat64s(t.sorted, v)
	t.sorted = slices.Insert(t.sorted, i, v)

	if t.maxHistory == 0 {
		return
	}
	t.order = append(t.order, v)
	if len(t.order) > t.maxHistory {
		oldest := t.order[0]
		t.order = t.order[1:]
		j := sort.SearchFloat64s(t.sorted, oldest)
		t.sorted = slices.Delete(t.sorted, j, j+1)
	}
}

// Len returns the history size
func (t *Tracker) Len() int {
	return len(t.sorted)
}

// Reset empties the history
func (t *Tracker) Reset() {
	t.sorted = t.sorted[:0]
	t.order = t.order[:0]
}

// Values returns a copy of the sorted history
func (t *Tracker) Values() []float64 {
	return slices.Clone(t.sorted)
}
