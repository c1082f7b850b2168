// Package resolve implements the access resolver: the state machine that
// turns a hardware fault into a page state transition, a gas charge and a
// protection change, or rejects it as a genuine violation.
//
// The resolver itself is ordinary safe Go. All address reinterpretation and
// protection mutation stays behind the protect.Protector it is handed.
package resolve

import (
	"fmt"
	"sync"

	"github.com/lazymem/lazymem/internal/geometry"
	"github.com/lazymem/lazymem/internal/ledger"
	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/types"
)

// AccessKind is the kind of the faulting access, when the platform surfaces
// it.
type AccessKind uint8

const (
	// AccessUnknown means the fault mechanism does not report read vs write.
	// The resolver then applies the documented fallback: a fault on an
	// Unloaded page is treated as a read, and a write shows up as a second
	// fault once the page is Loaded.
	AccessUnknown AccessKind = iota
	AccessRead
	AccessWrite
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Context is the per-invocation execution context: one region, one ledger,
// one gas handle, one storage handle. Exactly one may be active per OS
// thread.
//
// Within one invocation faults are strictly sequential (the guest thread is
// either running or blocked in a fault), so the context needs no internal
// locking beyond the abort slot, which the userfaultfd monitor goroutine
// writes from outside the guest thread.
type Context struct {
	Layout geometry.Layout
	Region *protect.Region
	Prot   protect.Protector
	Ledger *ledger.Ledger
	Gas    types.GasMeter
	Store  types.PageStore
	Costs  types.CostConfig

	// GasUsed accumulates the page access charges made through this context.
	GasUsed types.Gas

	// Aux holds backend-private per-invocation state.
	Aux any

	abortMu  sync.Mutex
	abortErr error
}

// SetAbort records a sticky abort to be surfaced on the guest access path.
// The first recorded abort wins.
func (c *Context) SetAbort(err error) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	if c.abortErr == nil {
		c.abortErr = err
	}
}

// AbortErr returns the recorded abort, if any.
func (c *Context) AbortErr() error {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	return c.abortErr
}

// Resolve handles a fault at the given byte offset within the context's
// region. On success the page is resident with sufficient protection and the
// faulted access can be retried (or, for transparent backends, resumed).
//
// Error classes:
//   - types.MemoryFaultError: not a legal lazy-load event; trap the guest.
//   - types.OutOfGasError: charge could not be paid; state and protection are
//     left exactly as they were.
//   - types.BackendFailureError: OS call failed or an invariant broke; the
//     worker must be torn down.
func Resolve(ctx *Context, off uint64, kind AccessKind) error {
	page, ok := ctx.Layout.PageForOffset(off)
	if !ok {
		return types.MemoryFaultError{Offset: off, Kind: kind.String()}
	}

	switch state := ctx.Ledger.State(page); state {
	case ledger.StateUnloaded:
		if kind == AccessUnknown {
			kind = AccessRead
		}
		if kind == AccessRead {
			return transition(ctx, page, ctx.Costs.PageLoad, "page load",
				func() error { return fillPage(ctx, page, protect.ReadOnly) },
				ledger.StateLoaded)
		}
		return transition(ctx, page, ctx.Costs.PageLoad+ctx.Costs.PageWriteUpgrade, "page load + write upgrade",
			func() error { return fillPage(ctx, page, protect.ReadWrite) },
			ledger.StateWritten)

	case ledger.StateLoaded:
		if kind == AccessUnknown {
			// Reads are already permitted, so an unattributed fault on a
			// loaded page can only be a write.
			kind = AccessWrite
		}
		if kind == AccessRead {
			return types.BackendFailureError{
				Msg: fmt.Sprintf("read fault on loaded page %d", page),
			}
		}
		return transition(ctx, page, ctx.Costs.PageWriteUpgrade, "page write upgrade",
			func() error { return ctx.Prot.Upgrade(page, protect.ReadWrite) },
			ledger.StateWritten)

	default: // ledger.StateWritten
		// The page is fully permitted; a fault here means hardware state and
		// ledger disagree.
		return types.BackendFailureError{
			Msg: fmt.Sprintf("fault on written page %d", page),
		}
	}
}

// transition charges the gas for one state transition, applies the
// protection change and advances the ledger, in that order. A failed charge
// leaves both hardware state and ledger untouched.
func transition(ctx *Context, page uint32, cost types.Gas, descriptor string, apply func() error, to ledger.PageState) error {
	if err := ctx.Gas.Charge(cost, descriptor); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	if err := ctx.Ledger.Mark(page, to); err != nil {
		return types.BackendFailureError{Msg: "ledger update failed", Err: err}
	}
	ctx.GasUsed += cost
	return nil
}

// fillPage fetches the page's bytes from storage (zero-filling pages the
// store has never seen) and makes the page resident under the given mode.
func fillPage(ctx *Context, page uint32, mode protect.Mode) error {
	data, err := ctx.Store.LoadPage(page)
	if err != nil {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("storage load of page %d failed", page),
			Err: err,
		}
	}
	if uint32(len(data)) > ctx.Layout.AccessPageSize {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("storage returned %d bytes for a %d byte page", len(data), ctx.Layout.AccessPageSize),
		}
	}
	if err := ctx.Prot.Fill(page, data, mode); err != nil {
		return err
	}
	return nil
}
