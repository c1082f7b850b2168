// Package protect wraps the OS memory-protection primitives behind the small
// surface the rest of the engine needs: reserve a region, change per-page
// protection, release the region.
//
// This package, together with the fault backends, is the only place that
// touches raw addresses and protection state. Everything above it operates on
// page indices and plain errors.
package protect

import (
	"fmt"
	"unsafe"

	"github.com/lazymem/lazymem/types"
)

// Mode is a page protection mode.
type Mode int

const (
	// NoAccess forbids all access; any touch faults.
	NoAccess Mode = iota
	// ReadOnly permits reads; writes fault.
	ReadOnly
	// ReadWrite permits all access.
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case NoAccess:
		return "none"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Region is a contiguous virtual address range reserved for one guest's
// linear memory. It is exclusively owned by the execution context that
// created it and must be released exactly once, on every exit path.
type Region struct {
	mem      []byte
	hardware bool
	released bool
}

// NewSoft allocates a heap-backed region with no hardware protection.
// Protect is a no-op on it; the soft fault backend tracks access purely in
// the ledger.
func NewSoft(size uint64) *Region {
	return &Region{mem: make([]byte, size), hardware: false}
}

// Bytes returns the raw region memory. For hardware regions, touching pages
// through this slice is subject to the current protection modes.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Base returns the region's base address.
func (r *Region) Base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Hardware reports whether the region is backed by an OS mapping with real
// protection, as opposed to a plain heap allocation.
func (r *Region) Hardware() bool {
	return r.hardware
}

// Contains maps a raw address to a byte offset within the region.
func (r *Region) Contains(addr uintptr) (uint64, bool) {
	base := r.Base()
	if addr < base || addr >= base+uintptr(len(r.mem)) {
		return 0, false
	}
	return uint64(addr - base), true
}

// Protect applies a protection mode to the page-aligned byte range
// [off, off+length). Failure is unrecoverable for the region: the caller must
// abort the invocation, since hardware state and ledger can no longer be
// assumed consistent.
func (r *Region) Protect(off, length uint64, mode Mode) error {
	if off+length > uint64(len(r.mem)) || off+length < off {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("protect range [0x%x,0x%x) outside region of %d bytes", off, off+length, len(r.mem)),
		}
	}
	if !r.hardware {
		return nil
	}
	return r.protect(off, length, mode)
}

// Release frees the OS reservation. Idempotent, so that error paths can
// release unconditionally.
func (r *Region) Release() error {
	if r.released || !r.hardware {
		r.released = true
		r.mem = nil
		return nil
	}
	r.released = true
	return r.release()
}

// Protector is how the access resolver manipulates page protection without
// knowing which fault backend is active. mprotect-style backends implement it
// with protection flips; the userfaultfd backend implements it with resolve
// ioctls; the soft backend with plain copies.
type Protector interface {
	// Fill makes a page resident with the given contents (nil means all
	// zeroes, shorter data is zero-padded) under the given protection mode.
	Fill(page uint32, data []byte, mode Mode) error
	// Upgrade changes the protection of an already resident page.
	Upgrade(page uint32, mode Mode) error
}

// MprotectProtector implements Protector on a hardware region using
// protection flips: fill briefly opens the page read-write, copies, then
// drops to the target mode.
type MprotectProtector struct {
	region   *Region
	pageSize uint32
}

// NewMprotectProtector creates a protector over a hardware region with the
// given access page size.
func NewMprotectProtector(region *Region, pageSize uint32) *MprotectProtector {
	return &MprotectProtector{region: region, pageSize: pageSize}
}

func (p *MprotectProtector) Fill(page uint32, data []byte, mode Mode) error {
	off := uint64(page) * uint64(p.pageSize)
	size := uint64(p.pageSize)
	if err := p.region.Protect(off, size, ReadWrite); err != nil {
		return err
	}
	fillPage(p.region.mem[off:off+size], data)
	if mode == ReadWrite {
		return nil
	}
	return p.region.Protect(off, size, mode)
}

func (p *MprotectProtector) Upgrade(page uint32, mode Mode) error {
	off := uint64(page) * uint64(p.pageSize)
	return p.region.Protect(off, uint64(p.pageSize), mode)
}

// SoftProtector implements Protector on a soft region: residency is
// simulated, protection changes are bookkeeping-only.
type SoftProtector struct {
	region   *Region
	pageSize uint32
}

// NewSoftProtector creates a protector over a soft region.
func NewSoftProtector(region *Region, pageSize uint32) *SoftProtector {
	return &SoftProtector{region: region, pageSize: pageSize}
}

func (p *SoftProtector) Fill(page uint32, data []byte, _ Mode) error {
	off := uint64(page) * uint64(p.pageSize)
	fillPage(p.region.mem[off:off+uint64(p.pageSize)], data)
	return nil
}

func (p *SoftProtector) Upgrade(uint32, Mode) error {
	return nil
}

// fillPage writes data into a freshly exposed page, zeroing the remainder.
// Fresh anonymous mappings are already zero, but a heap-backed soft region
// may be recycled, so the tail is cleared explicitly.
func fillPage(dst, data []byte) {
	n := copy(dst, data)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
