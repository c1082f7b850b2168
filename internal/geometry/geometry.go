// Package geometry defines the page granules of a guest memory region and the
// conversions between byte offsets, access pages and wasm pages.
//
// The guest sees 64 KiB wasm pages. Protection and access tracking happen at
// the finer granule the hardware supports, which is the OS page size. One
// wasm page therefore spans one or more access pages.
package geometry

import (
	"fmt"
	"math"
	"os"

	"github.com/lazymem/lazymem/types"
)

// WasmPageSize is the guest-visible page size of linear memory.
const WasmPageSize = 65536

// MaxWasmPages is the wasm32 linear memory limit: 65536 pages of 64 KiB for a
// 4 GiB address space.
const MaxWasmPages = 65536

// Layout fixes the geometry of one memory region.
type Layout struct {
	// WasmPages is the region size in guest pages.
	WasmPages uint32
	// AccessPageSize is the protection/tracking granule in bytes. Always a
	// power of two dividing WasmPageSize.
	AccessPageSize uint32
	// NumPages is the number of access pages in the region.
	NumPages uint32
	// RegionSize is the region size in bytes.
	RegionSize uint64
}

// NewLayout computes the layout for a region of the given number of wasm
// pages, using the platform's OS page size as the tracking granule.
func NewLayout(wasmPages uint32) (Layout, error) {
	return newLayout(wasmPages, uint32(os.Getpagesize()))
}

func newLayout(wasmPages, osPageSize uint32) (Layout, error) {
	if wasmPages == 0 {
		return Layout{}, fmt.Errorf("region must span at least one wasm page")
	}
	if wasmPages > MaxWasmPages {
		return Layout{}, fmt.Errorf("region of %d wasm pages exceeds the wasm32 limit of %d", wasmPages, MaxWasmPages)
	}
	if osPageSize == 0 || osPageSize&(osPageSize-1) != 0 {
		return Layout{}, types.BackendFailureError{
			Msg: fmt.Sprintf("invalid OS page size %d", osPageSize),
		}
	}
	if osPageSize > WasmPageSize || WasmPageSize%osPageSize != 0 {
		// Protection cannot be applied at a granule finer than the OS page,
		// and a granule that does not divide the wasm page would let one
		// access page straddle two wasm pages.
		return Layout{}, types.BackendFailureError{
			Msg: fmt.Sprintf("OS page size %d incompatible with %d byte wasm pages", osPageSize, WasmPageSize),
		}
	}
	regionSize := uint64(wasmPages) * WasmPageSize
	numPages := regionSize / uint64(osPageSize)
	if numPages > math.MaxUint32 {
		return Layout{}, types.BackendFailureError{
			Msg: fmt.Sprintf("region of %d bytes needs %d access pages, more than the index space", regionSize, numPages),
		}
	}
	return Layout{
		WasmPages:      wasmPages,
		AccessPageSize: osPageSize,
		NumPages:       uint32(numPages),
		RegionSize:     regionSize,
	}, nil
}

// PageForOffset maps a byte offset within the region to its access page
// index. The second result is false if the offset is out of bounds.
func (l Layout) PageForOffset(off uint64) (uint32, bool) {
	if off >= l.RegionSize {
		return 0, false
	}
	return uint32(off / uint64(l.AccessPageSize)), true
}

// OffsetOfPage returns the byte offset of the first byte of an access page.
func (l Layout) OffsetOfPage(page uint32) uint64 {
	return uint64(page) * uint64(l.AccessPageSize)
}

// PageSpan returns the inclusive access page range covered by the byte range
// [off, off+length). The third result is false if the range is empty or not
// fully inside the region.
func (l Layout) PageSpan(off, length uint64) (first, last uint32, ok bool) {
	if length == 0 || off >= l.RegionSize || length > l.RegionSize-off {
		return 0, 0, false
	}
	first = uint32(off / uint64(l.AccessPageSize))
	last = uint32((off + length - 1) / uint64(l.AccessPageSize))
	return first, last, true
}

// PagesPerWasmPage returns how many access pages make up one wasm page.
func (l Layout) PagesPerWasmPage() uint32 {
	return WasmPageSize / l.AccessPageSize
}

// CheckRun verifies that a page run lies within the region.
func (l Layout) CheckRun(r types.PageRun) error {
	if r.Count == 0 || r.Start >= l.NumPages || r.Count > l.NumPages-r.Start {
		return fmt.Errorf("page run [%d,%d) outside region of %d pages", r.Start, r.End(), l.NumPages)
	}
	return nil
}
