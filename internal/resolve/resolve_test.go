package resolve

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazymem/lazymem/internal/gas"
	"github.com/lazymem/lazymem/internal/geometry"
	"github.com/lazymem/lazymem/internal/ledger"
	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/types"
)

const (
	loadCost    = types.Gas(1000)
	upgradeCost = types.Gas(1500)
)

// stubStore records which pages were fetched and serves canned contents.
type stubStore struct {
	pages map[uint32][]byte
	loads []uint32
	err   error
}

func (s *stubStore) LoadPage(index uint32) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.loads = append(s.loads, index)
	return s.pages[index], nil
}

func newTestContext(t *testing.T, limit types.Gas, store *stubStore) *Context {
	t.Helper()
	layout, err := geometry.NewLayout(1)
	require.NoError(t, err)
	region := protect.NewSoft(layout.RegionSize)
	return &Context{
		Layout: layout,
		Region: region,
		Prot:   protect.NewSoftProtector(region, layout.AccessPageSize),
		Ledger: ledger.New(layout.NumPages),
		Gas:    gas.NewDefaultMeter(limit),
		Store:  store,
		Costs:  types.CostConfig{PageLoad: loadCost, PageWriteUpgrade: upgradeCost},
	}
}

func TestReadLoadsPage(t *testing.T) {
	store := &stubStore{pages: map[uint32][]byte{2: []byte("hello")}}
	ctx := newTestContext(t, 10_000, store)

	require.NoError(t, Resolve(ctx, ctx.Layout.OffsetOfPage(2), AccessRead))
	assert.Equal(t, ledger.StateLoaded, ctx.Ledger.State(2))
	assert.Equal(t, loadCost, ctx.GasUsed)
	assert.Equal(t, []uint32{2}, store.loads)
	assert.Equal(t, []byte("hello"), ctx.Region.Bytes()[ctx.Layout.OffsetOfPage(2):][:5])
}

func TestUnstoredPageReadsAsZeroes(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, 10_000, store)
	off := ctx.Layout.OffsetOfPage(1)
	ctx.Region.Bytes()[off] = 0xFF // recycled memory must not leak through

	require.NoError(t, Resolve(ctx, off, AccessRead))
	assert.Equal(t, byte(0), ctx.Region.Bytes()[off])
}

func TestWriteToUnloadedPageChargesBothTransitions(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, 10_000, store)

	require.NoError(t, Resolve(ctx, 0, AccessWrite))
	assert.Equal(t, ledger.StateWritten, ctx.Ledger.State(0))
	assert.Equal(t, loadCost+upgradeCost, ctx.GasUsed)
	// The write path still loads the page contents first.
	assert.Equal(t, []uint32{0}, store.loads)
}

func TestReadThenWriteChargesLoadOnce(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, 10_000, store)

	require.NoError(t, Resolve(ctx, 0, AccessRead))
	require.NoError(t, Resolve(ctx, 0, AccessWrite))
	assert.Equal(t, ledger.StateWritten, ctx.Ledger.State(0))
	// Costs attach to state transitions, not fault events: load once,
	// upgrade once, even though it took two faults.
	assert.Equal(t, loadCost+upgradeCost, ctx.GasUsed)
	assert.Equal(t, []uint32{0}, store.loads)
}

func TestUnknownKindFallback(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, 10_000, store)

	// First fault on an untouched page is treated as a read.
	require.NoError(t, Resolve(ctx, 0, AccessUnknown))
	assert.Equal(t, ledger.StateLoaded, ctx.Ledger.State(0))
	assert.Equal(t, loadCost, ctx.GasUsed)

	// A second unattributed fault can only be a write.
	require.NoError(t, Resolve(ctx, 0, AccessUnknown))
	assert.Equal(t, ledger.StateWritten, ctx.Ledger.State(0))
	assert.Equal(t, loadCost+upgradeCost, ctx.GasUsed)
}

func TestOutOfRegionAccessIsViolation(t *testing.T) {
	ctx := newTestContext(t, 10_000, &stubStore{})

	err := Resolve(ctx, ctx.Layout.RegionSize, AccessRead)
	require.True(t, types.IsMemoryFault(err))
	err = Resolve(ctx, ^uint64(0), AccessWrite)
	require.True(t, types.IsMemoryFault(err))

	// The last in-region byte still resolves.
	require.NoError(t, Resolve(ctx, ctx.Layout.RegionSize-1, AccessRead))
}

func TestOutOfGasLeavesStateUntouched(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, loadCost-1, store)

	err := Resolve(ctx, 0, AccessRead)
	require.True(t, types.IsOutOfGas(err))

	// No partial transition: ledger unchanged, nothing loaded, nothing
	// charged.
	assert.Equal(t, ledger.StateUnloaded, ctx.Ledger.State(0))
	assert.Empty(t, store.loads)
	assert.Equal(t, types.Gas(0), ctx.GasUsed)
}

func TestOutOfGasOnWriteUpgrade(t *testing.T) {
	store := &stubStore{}
	ctx := newTestContext(t, loadCost+upgradeCost-1, store)

	require.NoError(t, Resolve(ctx, 0, AccessRead))
	err := Resolve(ctx, 0, AccessWrite)
	require.True(t, types.IsOutOfGas(err))
	assert.Equal(t, ledger.StateLoaded, ctx.Ledger.State(0))
	assert.Equal(t, loadCost, ctx.GasUsed)
}

func TestFaultOnWrittenPageIsInvariantViolation(t *testing.T) {
	ctx := newTestContext(t, 10_000, &stubStore{})
	require.NoError(t, Resolve(ctx, 0, AccessWrite))

	err := Resolve(ctx, 0, AccessWrite)
	require.True(t, types.IsBackendFailure(err))
	err = Resolve(ctx, 0, AccessRead)
	require.True(t, types.IsBackendFailure(err))
}

func TestReadFaultOnLoadedPageIsInvariantViolation(t *testing.T) {
	ctx := newTestContext(t, 10_000, &stubStore{})
	require.NoError(t, Resolve(ctx, 0, AccessRead))

	err := Resolve(ctx, 0, AccessRead)
	require.True(t, types.IsBackendFailure(err))
}

func TestStorageErrorIsBackendFailure(t *testing.T) {
	store := &stubStore{err: fmt.Errorf("disk gone")}
	ctx := newTestContext(t, 10_000, store)

	err := Resolve(ctx, 0, AccessRead)
	require.True(t, types.IsBackendFailure(err))
	assert.Contains(t, err.Error(), "disk gone")
	assert.Equal(t, ledger.StateUnloaded, ctx.Ledger.State(0))
}

func TestOversizedStoragePageIsBackendFailure(t *testing.T) {
	store := &stubStore{pages: map[uint32][]byte{0: make([]byte, geometry.WasmPageSize+1)}}
	ctx := newTestContext(t, 10_000, store)

	err := Resolve(ctx, 0, AccessRead)
	require.True(t, types.IsBackendFailure(err))
}

func TestAbortIsSticky(t *testing.T) {
	ctx := newTestContext(t, 10_000, &stubStore{})
	first := types.OutOfGasError{Descriptor: "page load"}
	ctx.SetAbort(first)
	ctx.SetAbort(types.BackendFailureError{Msg: "late"})
	assert.Equal(t, error(first), ctx.AbortErr())
}

func TestAccessKindString(t *testing.T) {
	assert.Equal(t, "read", AccessRead.String())
	assert.Equal(t, "write", AccessWrite.String())
	assert.Equal(t, "unknown", AccessUnknown.String())
}
