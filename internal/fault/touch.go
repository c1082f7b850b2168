package fault

import (
	"runtime"
	"runtime/debug"
)

// touch runs f with the Go runtime converting hardware faults on non-Go
// memory into recoverable panics. It reports whether f faulted and, if so,
// the faulting address.
//
// This is the interception point of the guard backend, and the escape hatch
// of the uffd backend for aborted (unresolvable) faults. Panics that are not
// memory faults are never swallowed and propagate unchanged, which preserves
// the process's default failure behavior for anything we do not understand.
func touch(f func()) (addr uintptr, faulted bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe, ok := r.(interface {
			runtime.Error
			Addr() uintptr
		})
		if !ok {
			panic(r)
		}
		addr = fe.Addr()
		faulted = true
	}()

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	f()
	return 0, false
}
