//go:build linux || darwin

package protect

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lazymem/lazymem/types"
)

// Reserve maps an anonymous region of the given size with the given initial
// protection. The fault-driven backends reserve with NoAccess so that every
// first touch faults; the userfaultfd backend reserves ReadWrite and relies
// on missing-page tracking instead.
func Reserve(size uint64, initial Mode) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("cannot reserve empty region")
	}
	mem, err := unix.Mmap(-1, 0, int(size), protFlags(initial), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, types.OutOfAddressSpaceError{Size: size}
		}
		return nil, types.BackendFailureError{Msg: "mmap failed", Err: err}
	}
	return &Region{mem: mem, hardware: true}, nil
}

func (r *Region) protect(off, length uint64, mode Mode) error {
	if err := unix.Mprotect(r.mem[off:off+length], protFlags(mode)); err != nil {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("mprotect [0x%x,0x%x) to %s failed", off, off+length, mode),
			Err: err,
		}
	}
	return nil
}

func (r *Region) release() error {
	mem := r.mem
	r.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return types.BackendFailureError{Msg: "munmap failed", Err: err}
	}
	return nil
}

func protFlags(mode Mode) int {
	switch mode {
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}
