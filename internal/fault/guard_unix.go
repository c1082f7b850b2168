//go:build linux || darwin

package fault

import (
	"go.uber.org/zap"

	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/internal/registry"
	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

// guardBackend fences the region with PROT_NONE and lets first touches fault.
// The Go runtime converts the fault into a panic (see touch); the accessor
// recovers it on the faulted thread, looks the context up in the registry,
// resolves, and retries the access. The faulting instruction is effectively
// re-executed rather than resumed, which is equivalent for a plain copy.
//
// The hardware does not tell us whether the faulted access was a read or a
// write, but the accessors know, so the resolver gets the real kind. Callers
// resolving externally trapped faults go through resolve with AccessUnknown
// and get the documented first-fault-is-a-read fallback.
type guardBackend struct {
	logger *zap.Logger
}

func newGuardBackend(logger *zap.Logger) (Backend, error) {
	return &guardBackend{logger: logger}, nil
}

func (b *guardBackend) Name() Kind {
	return KindGuard
}

func (b *guardBackend) Setup(ctx *resolve.Context) error {
	region, err := protect.Reserve(ctx.Layout.RegionSize, protect.NoAccess)
	if err != nil {
		return err
	}
	ctx.Region = region
	ctx.Prot = protect.NewMprotectProtector(region, ctx.Layout.AccessPageSize)
	return nil
}

func (b *guardBackend) Teardown(*resolve.Context) error {
	// Loaded and written pages already permit the reads needed to persist
	// them; remaining fences fall with the mapping itself.
	return nil
}

func (b *guardBackend) Read(ctx *resolve.Context, off uint64, dst []byte) error {
	return b.access(ctx, off, len(dst), resolve.AccessRead, func(mem []byte) {
		copy(dst, mem[off:off+uint64(len(dst))])
	})
}

func (b *guardBackend) Write(ctx *resolve.Context, off uint64, src []byte) error {
	return b.access(ctx, off, len(src), resolve.AccessWrite, func(mem []byte) {
		copy(mem[off:off+uint64(len(src))], src)
	})
}

// access retries op until it completes without faulting, resolving one page
// per fault. The retry count is bounded by the pages spanned: more faults
// than that means protection state and ledger disagree.
func (b *guardBackend) access(ctx *resolve.Context, off uint64, length int, kind resolve.AccessKind, op func(mem []byte)) error {
	if err := checkRange(ctx, off, length, kind); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	mem := ctx.Region.Bytes()
	first, last, _ := ctx.Layout.PageSpan(off, uint64(length))
	// Two faults per page at most: load, then write upgrade.
	budget := 2 * (int(last-first) + 1)

	for attempt := 0; ; attempt++ {
		addr, faulted := touch(func() { op(mem) })
		if !faulted {
			return nil
		}
		if err := b.resolveFault(ctx, addr, kind); err != nil {
			return err
		}
		if attempt >= budget {
			return types.BackendFailureError{
				Msg: "fault not cleared by resolution, protection state inconsistent",
			}
		}
	}
}

// resolveFault is the interceptor half: given a raw faulting address it asks
// the registry for the active context, checks the address against that
// context's region, and hands legitimate faults to the resolver.
func (b *guardBackend) resolveFault(ctx *resolve.Context, addr uintptr, kind resolve.AccessKind) error {
	active, ok := registry.Current()
	if !ok || active != ctx {
		// Not a fault we own. Report it as the violation it is instead of
		// resolving it against the wrong context.
		return types.MemoryFaultError{Offset: uint64(addr), Kind: kind.String()}
	}
	rel, inside := active.Region.Contains(addr)
	if !inside {
		return types.MemoryFaultError{Offset: uint64(addr), Kind: kind.String()}
	}
	if err := active.AbortErr(); err != nil {
		return err
	}
	return resolve.Resolve(active, rel, kind)
}
