// Package fault provides the platform fault-interception backends.
//
// A backend owns the mechanics of catching a guest's first touch of a page
// and funneling it into the access resolver. Three backends exist, selected
// at startup:
//
//   - uffd (linux): kernel fault delivery through userfaultfd. The faulting
//     thread blocks in the kernel and resumes transparently once resolved.
//   - guard (linux, darwin): mprotect fencing. Faults surface as Go runtime
//     fault panics inside the region accessors, which resolve and retry.
//   - soft (all platforms): no hardware protection at all; the accessors
//     consult the ledger explicitly. Deterministic, used where the others
//     are unavailable and in tests.
//
// Only one backend is ever active per engine; selection is a value switch,
// not dispatch over a backend hierarchy.
package fault

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

// Kind names a fault interception backend.
type Kind string

const (
	// KindAuto probes the platform and picks the best available backend.
	KindAuto Kind = "auto"
	// KindUFFD is the linux userfaultfd backend.
	KindUFFD Kind = "uffd"
	// KindGuard is the mprotect + fault-panic backend.
	KindGuard Kind = "guard"
	// KindSoft is the bookkeeping-only backend.
	KindSoft Kind = "soft"
)

// Backend is the capability interface over the three fault-interception
// implementations.
type Backend interface {
	// Name returns the backend kind.
	Name() Kind
	// Setup reserves the region for ctx (ctx.Layout is already populated),
	// wires the context's protector and arms fault interception. On success
	// every page of the region is unloaded and protected against access.
	Setup(ctx *resolve.Context) error
	// Teardown disarms fault interception. The region mapping itself stays
	// readable (resident pages keep their contents) until the caller
	// releases it, so dirty pages can still be persisted out of it.
	Teardown(ctx *resolve.Context) error
	// Read copies len(dst) bytes from the region starting at off, resolving
	// lazy-load faults along the way.
	Read(ctx *resolve.Context, off uint64, dst []byte) error
	// Write copies src into the region starting at off, resolving lazy-load
	// and write-upgrade faults along the way.
	Write(ctx *resolve.Context, off uint64, src []byte) error
}

// New creates the backend of the given kind, or probes for the best one when
// kind is KindAuto.
func New(kind Kind, logger *zap.Logger) (Backend, error) {
	if kind == KindAuto {
		kind = autoKind()
		logger.Debug("selected fault backend", zap.String("backend", string(kind)))
	}
	switch kind {
	case KindUFFD:
		return newUFFDBackend(logger)
	case KindGuard:
		return newGuardBackend(logger)
	case KindSoft:
		return newSoftBackend(logger), nil
	default:
		return nil, fmt.Errorf("unknown fault backend %q", kind)
	}
}

// checkRange validates a guest access range against the region bounds,
// returning the guest-trap error for anything outside. This is the
// boundary-exact check: base+size itself is already a violation.
func checkRange(ctx *resolve.Context, off uint64, length int, kind resolve.AccessKind) error {
	if length == 0 {
		if off > ctx.Layout.RegionSize {
			return types.MemoryFaultError{Offset: off, Kind: kind.String()}
		}
		return nil
	}
	if off >= ctx.Layout.RegionSize || uint64(length) > ctx.Layout.RegionSize-off {
		return types.MemoryFaultError{Offset: off, Kind: kind.String()}
	}
	return nil
}
