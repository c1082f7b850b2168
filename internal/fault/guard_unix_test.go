//go:build linux || darwin

package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazymem/lazymem/internal/ledger"
	"github.com/lazymem/lazymem/internal/registry"
	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

// The guard tests exercise real mprotect fences and real hardware faults,
// recovered through the Go runtime's panic-on-fault mechanism. The context
// is activated in the registry because the fault path looks it up there.

func newGuardTestContext(t *testing.T, limit types.Gas, store types.PageStore) (*guardBackend, *resolve.Context) {
	t.Helper()
	b, err := newGuardBackend(zap.NewNop())
	require.NoError(t, err)
	gb := b.(*guardBackend)
	ctx := newFaultTestContext(t, gb, limit, store)
	guard, err := registry.Activate(ctx)
	require.NoError(t, err)
	t.Cleanup(guard.Release)
	return gb, ctx
}

func TestGuardLazyLoadOnRead(t *testing.T) {
	store := &mapStore{pages: map[uint32][]byte{1: []byte("fenced")}}
	b, ctx := newGuardTestContext(t, 1_000_000, store)
	ps := uint64(ctx.Layout.AccessPageSize)

	got := make([]byte, 6)
	require.NoError(t, b.Read(ctx, ps, got))
	assert.Equal(t, []byte("fenced"), got)
	assert.Equal(t, ledger.StateLoaded, ctx.Ledger.State(1))
	assert.Equal(t, testLoadCost, ctx.GasUsed)

	// Second read of a loaded page must not fault or charge.
	require.NoError(t, b.Read(ctx, ps, got))
	assert.Equal(t, testLoadCost, ctx.GasUsed)
}

func TestGuardWriteUpgrade(t *testing.T) {
	b, ctx := newGuardTestContext(t, 1_000_000, nil)

	payload := []byte("dirty data")
	require.NoError(t, b.Write(ctx, 0, payload))
	assert.Equal(t, ledger.StateWritten, ctx.Ledger.State(0))
	assert.Equal(t, testLoadCost+testUpgradeCost, ctx.GasUsed)

	got := make([]byte, len(payload))
	require.NoError(t, b.Read(ctx, 0, got))
	assert.Equal(t, payload, got)
	// Read of a written page is already permitted.
	assert.Equal(t, testLoadCost+testUpgradeCost, ctx.GasUsed)
}

func TestGuardReadThenWriteChargesLoadOnce(t *testing.T) {
	b, ctx := newGuardTestContext(t, 1_000_000, nil)

	buf := make([]byte, 4)
	require.NoError(t, b.Read(ctx, 0, buf))
	require.NoError(t, b.Write(ctx, 0, []byte{1, 2, 3, 4}))
	assert.Equal(t, testLoadCost+testUpgradeCost, ctx.GasUsed)
	assert.Equal(t, ledger.StateWritten, ctx.Ledger.State(0))
}

func TestGuardOutOfGasLeavesPageFenced(t *testing.T) {
	b, ctx := newGuardTestContext(t, testLoadCost-1, nil)

	err := b.Read(ctx, 0, make([]byte, 1))
	require.True(t, types.IsOutOfGas(err))
	assert.Equal(t, ledger.StateUnloaded, ctx.Ledger.State(0))
	assert.Equal(t, types.Gas(0), ctx.GasUsed)
}

func TestGuardBoundaryViolation(t *testing.T) {
	b, ctx := newGuardTestContext(t, 1_000_000, nil)

	err := b.Read(ctx, ctx.Layout.RegionSize, make([]byte, 1))
	require.True(t, types.IsMemoryFault(err))
	err = b.Write(ctx, ctx.Layout.RegionSize-1, make([]byte, 2))
	require.True(t, types.IsMemoryFault(err))
}

func TestGuardAccessSpanningPages(t *testing.T) {
	b, ctx := newGuardTestContext(t, 1_000_000, nil)
	ps := uint64(ctx.Layout.AccessPageSize)

	payload := make([]byte, 2*ps)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, b.Write(ctx, ps/2, payload))

	got := make([]byte, len(payload))
	require.NoError(t, b.Read(ctx, ps/2, got))
	assert.Equal(t, payload, got)
	assert.Equal(t, 3*(testLoadCost+testUpgradeCost), ctx.GasUsed)
}
