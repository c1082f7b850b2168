// Package ledger tracks per-page access state for one invocation.
//
// State only moves forward: Unloaded -> Loaded -> Written. The ledger stores
// state as a sorted list of maximal runs instead of a dense array, so that
// large contiguous dirty ranges are reported (and persisted) as ranges.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lazymem/lazymem/types"
)

// PageState is the access state of one page within the current invocation.
type PageState uint8

const (
	// StateUnloaded: no backing data fetched, no access permitted.
	StateUnloaded PageState = iota
	// StateLoaded: data fetched, read-only access permitted.
	StateLoaded
	// StateWritten: read-write access permitted, page is dirty.
	StateWritten
)

func (s PageState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateWritten:
		return "written"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// ErrStateRegression is returned when a mark would move a page backward.
// Callers treat it as a broken internal invariant, not a guest error.
var ErrStateRegression = errors.New("page state regression")

// span covers pages [start, next span's start) with one state. The first
// span always starts at page 0.
type span struct {
	start uint32
	state PageState
}

// Ledger maps access page index -> PageState for one region.
//
// It is touched only from the fault path and the finalize step of a single
// invocation, so it needs no internal locking.
type Ledger struct {
	numPages uint32
	spans    []span
}

// New creates a ledger with all pages Unloaded.
func New(numPages uint32) *Ledger {
	return &Ledger{
		numPages: numPages,
		spans:    []span{{start: 0, state: StateUnloaded}},
	}
}

// NumPages returns the number of pages tracked.
func (l *Ledger) NumPages() uint32 {
	return l.numPages
}

// Reset returns every page to Unloaded for a fresh invocation.
func (l *Ledger) Reset() {
	l.spans = l.spans[:0]
	l.spans = append(l.spans, span{start: 0, state: StateUnloaded})
}

// spanIndex returns the index of the span containing the given page.
func (l *Ledger) spanIndex(page uint32) int {
	// First span whose start is > page, minus one.
	return sort.Search(len(l.spans), func(i int) bool {
		return l.spans[i].start > page
	}) - 1
}

// State returns the current state of a page. Pages outside the region are
// reported as Unloaded; bounds enforcement belongs to the resolver.
func (l *Ledger) State(page uint32) PageState {
	if page >= l.numPages {
		return StateUnloaded
	}
	return l.spans[l.spanIndex(page)].state
}

// Mark advances a single page to the given state.
func (l *Ledger) Mark(page uint32, state PageState) error {
	return l.MarkRun(types.PageRun{Start: page, Count: 1}, state)
}

// MarkRun advances every page in the run to the given state. Marking a page
// with its current state is a no-op; marking any page backward fails with
// ErrStateRegression and leaves the ledger unchanged.
func (l *Ledger) MarkRun(r types.PageRun, state PageState) error {
	if r.Count == 0 {
		return nil
	}
	if r.Start >= l.numPages || r.Count > l.numPages-r.Start {
		return fmt.Errorf("mark of run [%d,%d) outside ledger of %d pages", r.Start, r.End(), l.numPages)
	}
	first := l.spanIndex(r.Start)
	last := l.spanIndex(r.End() - 1)
	for i := first; i <= last; i++ {
		if l.spans[i].state > state {
			return fmt.Errorf("%w: page %d is %s, cannot mark %s",
				ErrStateRegression, maxStart(l.spans[i].start, r.Start), l.spans[i].state, state)
		}
	}
	l.split(r.Start)
	l.split(r.End())
	first = l.spanIndex(r.Start)
	last = l.spanIndex(r.End() - 1)
	for i := first; i <= last; i++ {
		l.spans[i].state = state
	}
	l.coalesce()
	return nil
}

// split ensures a span boundary exists at the given page.
func (l *Ledger) split(page uint32) {
	if page >= l.numPages {
		return
	}
	i := l.spanIndex(page)
	if l.spans[i].start == page {
		return
	}
	l.spans = append(l.spans, span{})
	copy(l.spans[i+2:], l.spans[i+1:])
	l.spans[i+1] = span{start: page, state: l.spans[i].state}
}

// coalesce merges adjacent spans with equal state.
func (l *Ledger) coalesce() {
	out := l.spans[:1]
	for _, s := range l.spans[1:] {
		if s.state == out[len(out)-1].state {
			continue
		}
		out = append(out, s)
	}
	l.spans = out
}

// Runs returns the maximal runs currently in the given state, in ascending
// order.
func (l *Ledger) Runs(state PageState) []types.PageRun {
	var runs []types.PageRun
	for i, s := range l.spans {
		if s.state != state {
			continue
		}
		end := l.numPages
		if i+1 < len(l.spans) {
			end = l.spans[i+1].start
		}
		runs = append(runs, types.PageRun{Start: s.start, Count: end - s.start})
	}
	return runs
}

// DirtyRuns returns the written page ranges. The result is exactly the set
// of pages that reached StateWritten during this invocation.
func (l *Ledger) DirtyRuns() []types.PageRun {
	return l.Runs(StateWritten)
}

// DirtyPages returns the written pages as individual indices.
func (l *Ledger) DirtyPages() []uint32 {
	var pages []uint32
	for _, r := range l.DirtyRuns() {
		for p := r.Start; p < r.End(); p++ {
			pages = append(pages, p)
		}
	}
	return pages
}

func maxStart(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
