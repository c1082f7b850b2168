// Package lazymem is a lazy virtual-memory engine for the linear memory of a
// sandboxed, metered guest. Instead of eagerly copying a guest's whole memory
// image before every invocation, it exposes the region as hardware-protected
// pages and fills them on first touch: only pages actually read are loaded
// from storage, only pages actually written are reported for persistence, and
// gas is charged per page state transition.
//
// The embedding bytecode engine owns the gas meter and the storage backend;
// this package owns the region, the fault interception and the per-page
// bookkeeping.
package lazymem

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lazymem/lazymem/internal/fault"
	"github.com/lazymem/lazymem/internal/geometry"
	"github.com/lazymem/lazymem/internal/ledger"
	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/internal/registry"
	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

// WasmPageSize is the guest-visible page size of linear memory.
const WasmPageSize = geometry.WasmPageSize

// BackendKind selects a fault interception backend.
type BackendKind = fault.Kind

const (
	// BackendAuto probes the platform at engine creation and picks the best
	// available backend.
	BackendAuto BackendKind = fault.KindAuto
	// BackendUFFD delivers faults through a linux userfaultfd; the guest
	// resumes transparently at the faulting instruction.
	BackendUFFD BackendKind = fault.KindUFFD
	// BackendGuard fences pages with mprotect and resolves the resulting
	// fault panics inside the region accessors.
	BackendGuard BackendKind = fault.KindGuard
	// BackendSoft tracks access purely in the ledger, with no hardware
	// protection. Works on every platform and is fully deterministic.
	BackendSoft BackendKind = fault.KindSoft
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Backend selects the fault interception mechanism. Defaults to
	// BackendAuto.
	Backend BackendKind
	// Costs is the page access cost table. Nil selects
	// types.DefaultCostConfig; an explicit zero table makes page access free.
	Costs *types.CostConfig
	// Logger receives debug events. Defaults to the package logger.
	Logger *zap.Logger
}

// Engine creates execution contexts over lazily faulted memory regions. One
// engine serves any number of parallel invocations, each on its own thread
// with its own region.
type Engine struct {
	backend fault.Backend
	costs   types.CostConfig
	logger  *zap.Logger
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config EngineConfig) (*Engine, error) {
	log := config.Logger
	if log == nil {
		log = Logger()
	}
	kind := config.Backend
	if kind == "" {
		kind = BackendAuto
	}
	backend, err := fault.New(kind, log)
	if err != nil {
		return nil, err
	}
	costs := types.DefaultCostConfig()
	if config.Costs != nil {
		costs = *config.Costs
	}
	log.Debug("memory engine ready", zap.String("backend", string(backend.Name())))
	return &Engine{backend: backend, costs: costs, logger: log}, nil
}

// Backend returns the fault backend the engine selected.
func (e *Engine) Backend() BackendKind {
	return e.backend.Name()
}

// InvocationParams describes one guest invocation's memory needs.
type InvocationParams struct {
	// RegionPages is the linear memory size in wasm pages.
	RegionPages uint32
	// Store supplies initial page contents on first touch.
	Store types.PageStore
	// Gas is the engine-owned handle page access costs are charged against.
	Gas types.GasMeter
	// WarmPages are access page runs the host pre-populates from storage at
	// start, uncharged. They begin the invocation Loaded instead of
	// Unloaded.
	WarmPages []types.PageRun
}

// Invocation is one guest invocation's execution context: a region, a page
// ledger, a gas handle and a storage handle. It is bound to the goroutine
// (and, through it, the OS thread) that began it, and must be finished
// exactly once and closed on every exit path.
type Invocation struct {
	engine   *Engine
	ctx      *resolve.Context
	guard    *registry.Guard
	finished bool
	closed   bool
}

// BeginInvocation reserves and arms a fresh region for one guest invocation
// and activates it for the calling thread. It fails with
// types.AlreadyActiveError if the thread already runs an invocation: the
// engine must use a new thread for a nested one.
func (e *Engine) BeginInvocation(params InvocationParams) (*Invocation, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("invocation requires a page store")
	}
	if params.Gas == nil {
		return nil, fmt.Errorf("invocation requires a gas meter")
	}
	layout, err := geometry.NewLayout(params.RegionPages)
	if err != nil {
		return nil, err
	}
	ctx := &resolve.Context{
		Layout: layout,
		Ledger: ledger.New(layout.NumPages),
		Gas:    params.Gas,
		Store:  params.Store,
		Costs:  e.costs,
	}
	if err := e.backend.Setup(ctx); err != nil {
		return nil, err
	}
	if err := e.warmUp(ctx, params.WarmPages); err != nil {
		_ = e.backend.Teardown(ctx)
		_ = ctx.Region.Release()
		return nil, err
	}
	guard, err := registry.Activate(ctx)
	if err != nil {
		_ = e.backend.Teardown(ctx)
		_ = ctx.Region.Release()
		return nil, err
	}
	e.logger.Debug("invocation started",
		zap.Uint32("wasm_pages", layout.WasmPages),
		zap.Uint32("access_pages", layout.NumPages),
		zap.Int("warm_runs", len(params.WarmPages)))
	return &Invocation{engine: e, ctx: ctx, guard: guard}, nil
}

// warmUp pre-populates host-designated pages from storage, without charging
// gas: the host vouches for them, typically because they are known untouched
// since the last run.
func (e *Engine) warmUp(ctx *resolve.Context, warm []types.PageRun) error {
	for _, run := range warm {
		if err := ctx.Layout.CheckRun(run); err != nil {
			return fmt.Errorf("warm pages: %w", err)
		}
		for page := run.Start; page < run.End(); page++ {
			data, err := ctx.Store.LoadPage(page)
			if err != nil {
				return types.BackendFailureError{
					Msg: fmt.Sprintf("warm load of page %d failed", page),
					Err: err,
				}
			}
			if err := ctx.Prot.Fill(page, data, protect.ReadOnly); err != nil {
				return err
			}
		}
		if err := ctx.Ledger.MarkRun(run, ledger.StateLoaded); err != nil {
			return types.BackendFailureError{Msg: "warm page marking failed", Err: err}
		}
	}
	return nil
}

// Read copies n bytes starting at byte offset off out of the guest region,
// lazily loading pages on the way. Out-of-region accesses fail with
// types.MemoryFaultError, exhausted budgets with types.OutOfGasError.
func (inv *Invocation) Read(off uint64, n uint32) ([]byte, error) {
	if inv.finished {
		return nil, fmt.Errorf("invocation already finished")
	}
	dst := make([]byte, n)
	if err := inv.engine.backend.Read(inv.ctx, off, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Write copies data into the guest region at byte offset off, lazily loading
// and write-upgrading pages on the way.
func (inv *Invocation) Write(off uint64, data []byte) error {
	if inv.finished {
		return fmt.Errorf("invocation already finished")
	}
	return inv.engine.backend.Write(inv.ctx, off, data)
}

// ResolveFault resolves an externally intercepted fault at the given region
// offset, for engines that trap guest faults themselves. The access kind is
// unknown at this boundary, so the first fault on an untouched page is
// treated as a read and a write surfaces as a second fault; costs still
// attach to state transitions, so nothing is charged twice.
func (inv *Invocation) ResolveFault(off uint64) error {
	if inv.finished {
		return fmt.Errorf("invocation already finished")
	}
	if err := inv.ctx.AbortErr(); err != nil {
		return err
	}
	return resolve.Resolve(inv.ctx, off, resolve.AccessUnknown)
}

// Bytes exposes the raw region memory. On the uffd backend direct accesses
// resolve transparently; on the guard backend only pages already faulted in
// through the accessors are safe to touch directly.
func (inv *Invocation) Bytes() []byte {
	return inv.ctx.Region.Bytes()
}

// PageSize returns the access page size of the region.
func (inv *Invocation) PageSize() uint32 {
	return inv.ctx.Layout.AccessPageSize
}

// NumPages returns the region size in access pages.
func (inv *Invocation) NumPages() uint32 {
	return inv.ctx.Layout.NumPages
}

// GasUsed returns the total page access gas charged so far.
func (inv *Invocation) GasUsed() types.Gas {
	return inv.ctx.GasUsed
}

// Finish deactivates the context, disarms fault interception and returns the
// dirty page report: exactly the pages that reached the written state, as
// runs. The region memory stays readable until Close so the engine can
// persist the reported pages out of it.
func (inv *Invocation) Finish() (types.DirtyPageReport, error) {
	if inv.finished {
		return types.DirtyPageReport{}, fmt.Errorf("invocation already finished")
	}
	inv.finished = true
	inv.guard.Release()
	// Teardown joins any fault monitor goroutine, so the ledger and gas
	// reads below observe every completed resolution.
	err := inv.engine.backend.Teardown(inv.ctx)
	report := types.DirtyPageReport{
		Runs:    inv.ctx.Ledger.DirtyRuns(),
		GasUsed: inv.ctx.GasUsed,
	}
	inv.engine.logger.Debug("invocation finished",
		zap.Int("dirty_runs", len(report.Runs)),
		zap.Uint64("gas_used", report.GasUsed),
		zap.Error(err))
	if err != nil {
		return report, err
	}
	return report, nil
}

// Close releases the region reservation. It is idempotent and safe to defer
// on every path: if the invocation was never finished (error unwinding), it
// deactivates and disarms first, so protections and the OS reservation are
// released unconditionally.
func (inv *Invocation) Close() error {
	if inv.closed {
		return nil
	}
	inv.closed = true
	if !inv.finished {
		inv.finished = true
		inv.guard.Release()
		_ = inv.engine.backend.Teardown(inv.ctx)
	}
	return inv.ctx.Region.Release()
}
