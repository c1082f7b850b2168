package types

import (
	"errors"
	"fmt"
)

// The error taxonomy distinguishes three failure classes with very different
// blast radius:
//
//   - MemoryFaultError: a genuine guest violation. The engine should trap the
//     guest; the invocation is lost, the worker is fine.
//   - OutOfGasError: resource exhaustion at a charge point. The engine should
//     trap the guest with an out-of-gas reason.
//   - BackendFailureError: an OS protection call failed or an internal
//     invariant broke. The hardware protection state can no longer be trusted
//     to match the ledger, so the whole worker must be torn down.

// OutOfGasError is returned when a gas charge cannot be paid.
type OutOfGasError struct {
	Descriptor string
	Wanted     Gas
	Available  Gas
}

func (e OutOfGasError) Error() string {
	return fmt.Sprintf("out of gas: %s required %d, but only %d available", e.Descriptor, e.Wanted, e.Available)
}

// MemoryFaultError is a genuine guest memory violation: an access outside the
// registered region, or an access the resolver determined is not a legal
// lazy-load event.
type MemoryFaultError struct {
	// Offset is the faulting byte offset relative to the region base. For
	// accesses past the region it is the out-of-range offset as computed.
	Offset uint64
	// Kind is "read", "write" or "unknown".
	Kind string
}

func (e MemoryFaultError) Error() string {
	return fmt.Sprintf("memory fault: illegal %s access at offset 0x%x", e.Kind, e.Offset)
}

// BackendFailureError indicates an OS-level failure or a broken internal
// invariant. After this error the protection state and the ledger may
// disagree; the embedding engine must abort the worker process, not just the
// invocation.
type BackendFailureError struct {
	Msg string
	Err error
}

func (e BackendFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory backend failure: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("memory backend failure: %s", e.Msg)
}

func (e BackendFailureError) Unwrap() error {
	return e.Err
}

// OutOfAddressSpaceError is returned when the platform cannot reserve a
// region of the requested size.
type OutOfAddressSpaceError struct {
	Size uint64
}

func (e OutOfAddressSpaceError) Error() string {
	return fmt.Sprintf("cannot reserve %d bytes of address space", e.Size)
}

// AlreadyActiveError is returned when an invocation is started on a thread
// that already has an active one. Nested invocations on one thread are not
// supported; the engine must use a new thread.
type AlreadyActiveError struct{}

func (e AlreadyActiveError) Error() string {
	return "an execution context is already active on this thread"
}

// IsOutOfGas checks whether the error is (or wraps) an out-of-gas abort.
func IsOutOfGas(err error) bool {
	var target OutOfGasError
	return errors.As(err, &target)
}

// IsMemoryFault checks whether the error is (or wraps) a guest violation.
func IsMemoryFault(err error) bool {
	var target MemoryFaultError
	return errors.As(err, &target)
}

// IsBackendFailure checks whether the error is (or wraps) a worker-fatal
// backend failure.
func IsBackendFailure(err error) bool {
	var target BackendFailureError
	return errors.As(err, &target)
}
