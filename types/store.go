package types

// PageStore is the persistent storage collaborator that supplies initial page
// contents. It is consulted once per page, on first touch.
type PageStore interface {
	// LoadPage returns the stored bytes for the given access page, or nil if
	// the page was never written before. A nil result means the page reads as
	// zeroes. The returned slice may be shorter than the access page size;
	// the remainder is zero-filled.
	LoadPage(index uint32) ([]byte, error)
}

// PageRun is a contiguous run of access pages [Start, Start+Count).
type PageRun struct {
	Start uint32
	Count uint32
}

// End returns the first page index past the run.
func (r PageRun) End() uint32 {
	return r.Start + r.Count
}

// DirtyPageReport is returned at the end of an invocation and names the
// minimal set of pages that must be persisted.
type DirtyPageReport struct {
	// Runs are the written page ranges in ascending order, coalesced so that
	// storage can persist them as ranges rather than single pages.
	Runs []PageRun
	// GasUsed is the total gas charged for page accesses during the
	// invocation.
	GasUsed Gas
}

// Pages expands the report into individual page indices in ascending order.
func (r DirtyPageReport) Pages() []uint32 {
	var pages []uint32
	for _, run := range r.Runs {
		for p := run.Start; p < run.End(); p++ {
			pages = append(pages, p)
		}
	}
	return pages
}
