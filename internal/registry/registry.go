// Package registry tracks which execution context is active on which thread.
//
// Fault delivery is a process-wide mechanism, so when a fault arrives the
// interceptor must find the context it belongs to using nothing but the
// identity of the interrupted thread. The table is a sync.Map keyed by
// goroutine id: lookups on the fault path take no process-wide lock, so
// parallel invocations never serialize on each other's page faults.
//
// Activation pins the calling goroutine to its OS thread, making goroutine
// identity and thread identity interchangeable for the lifetime of the
// invocation.
package registry

import (
	"runtime"
	"sync"

	"github.com/petermattis/goid"

	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

var active sync.Map // goroutine id (int64) -> *resolve.Context

// Guard represents one activation. Releasing it deactivates the context;
// release is idempotent so that error paths can release unconditionally.
type Guard struct {
	key     int64
	release sync.Once
}

// Activate makes ctx the active context of the current thread. It fails with
// types.AlreadyActiveError if the thread already has one: nested invocations
// on a single thread are not supported, the engine must use a new thread.
func Activate(ctx *resolve.Context) (*Guard, error) {
	runtime.LockOSThread()
	key := goid.Get()
	if _, loaded := active.LoadOrStore(key, ctx); loaded {
		runtime.UnlockOSThread()
		return nil, types.AlreadyActiveError{}
	}
	return &Guard{key: key}, nil
}

// Release deactivates the context. Subsequent faults on this thread no
// longer resolve against it.
func (g *Guard) Release() {
	g.release.Do(func() {
		active.Delete(g.key)
		runtime.UnlockOSThread()
	})
}

// Current returns the context active on the current thread, if any.
func Current() (*resolve.Context, bool) {
	v, ok := active.Load(goid.Get())
	if !ok {
		return nil, false
	}
	return v.(*resolve.Context), true
}
