//go:build !linux && !darwin

package protect

import (
	"github.com/lazymem/lazymem/types"
)

// Reserve is unavailable without the unix protection primitives; only the
// soft backend works on this platform.
func Reserve(size uint64, initial Mode) (*Region, error) {
	return nil, types.BackendFailureError{Msg: "hardware memory protection is not supported on this platform"}
}

func (r *Region) protect(off, length uint64, mode Mode) error {
	return types.BackendFailureError{Msg: "hardware memory protection is not supported on this platform"}
}

func (r *Region) release() error {
	return nil
}
