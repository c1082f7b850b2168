package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazymem/lazymem/types"
)

func TestFreshLedgerIsUnloaded(t *testing.T) {
	l := New(16)
	for p := uint32(0); p < 16; p++ {
		assert.Equal(t, StateUnloaded, l.State(p))
	}
	assert.Empty(t, l.DirtyRuns())
	assert.Equal(t, uint32(16), l.NumPages())
}

func TestMarkAdvancesState(t *testing.T) {
	l := New(8)
	require.NoError(t, l.Mark(3, StateLoaded))
	assert.Equal(t, StateLoaded, l.State(3))
	assert.Equal(t, StateUnloaded, l.State(2))
	assert.Equal(t, StateUnloaded, l.State(4))

	require.NoError(t, l.Mark(3, StateWritten))
	assert.Equal(t, StateWritten, l.State(3))
	assert.Equal(t, []types.PageRun{{Start: 3, Count: 1}}, l.DirtyRuns())
}

func TestMarkIsMonotonic(t *testing.T) {
	l := New(8)
	require.NoError(t, l.Mark(2, StateWritten))

	err := l.Mark(2, StateLoaded)
	require.ErrorIs(t, err, ErrStateRegression)
	err = l.Mark(2, StateUnloaded)
	require.ErrorIs(t, err, ErrStateRegression)

	// The failed marks left the page as it was.
	assert.Equal(t, StateWritten, l.State(2))
}

func TestMarkSameStateIsNoop(t *testing.T) {
	l := New(8)
	require.NoError(t, l.Mark(1, StateLoaded))
	require.NoError(t, l.Mark(1, StateLoaded))
	assert.Equal(t, StateLoaded, l.State(1))
}

func TestMarkOutOfRange(t *testing.T) {
	l := New(8)
	require.Error(t, l.Mark(8, StateLoaded))
	require.Error(t, l.MarkRun(types.PageRun{Start: 6, Count: 3}, StateLoaded))
	require.NoError(t, l.MarkRun(types.PageRun{Start: 6, Count: 0}, StateLoaded))
}

func TestMarkRunRegressionLeavesLedgerUntouched(t *testing.T) {
	l := New(8)
	require.NoError(t, l.Mark(4, StateWritten))
	err := l.MarkRun(types.PageRun{Start: 2, Count: 4}, StateLoaded)
	require.ErrorIs(t, err, ErrStateRegression)
	assert.Equal(t, StateUnloaded, l.State(2))
	assert.Equal(t, StateUnloaded, l.State(3))
	assert.Equal(t, StateWritten, l.State(4))
	assert.Equal(t, StateUnloaded, l.State(5))
}

func TestAdjacentDirtyPagesCoalesce(t *testing.T) {
	l := New(16)
	for _, p := range []uint32{5, 3, 4} {
		require.NoError(t, l.Mark(p, StateWritten))
	}
	assert.Equal(t, []types.PageRun{{Start: 3, Count: 3}}, l.DirtyRuns())
	assert.Equal(t, []uint32{3, 4, 5}, l.DirtyPages())
}

func TestDisjointDirtyRuns(t *testing.T) {
	l := New(16)
	require.NoError(t, l.MarkRun(types.PageRun{Start: 0, Count: 2}, StateWritten))
	require.NoError(t, l.Mark(7, StateWritten))
	require.NoError(t, l.MarkRun(types.PageRun{Start: 12, Count: 4}, StateWritten))
	assert.Equal(t, []types.PageRun{
		{Start: 0, Count: 2},
		{Start: 7, Count: 1},
		{Start: 12, Count: 4},
	}, l.DirtyRuns())
}

func TestDirtyExcludesLoadedPages(t *testing.T) {
	l := New(8)
	require.NoError(t, l.Mark(0, StateLoaded))
	require.NoError(t, l.Mark(1, StateWritten))
	require.NoError(t, l.Mark(2, StateLoaded))
	assert.Equal(t, []types.PageRun{{Start: 1, Count: 1}}, l.DirtyRuns())
	assert.Equal(t, []types.PageRun{{Start: 0, Count: 1}, {Start: 2, Count: 1}}, l.Runs(StateLoaded))
}

func TestWholeRegionWritten(t *testing.T) {
	l := New(8)
	require.NoError(t, l.MarkRun(types.PageRun{Start: 0, Count: 8}, StateWritten))
	assert.Equal(t, []types.PageRun{{Start: 0, Count: 8}}, l.DirtyRuns())
}

func TestReset(t *testing.T) {
	l := New(8)
	require.NoError(t, l.MarkRun(types.PageRun{Start: 0, Count: 8}, StateWritten))
	l.Reset()
	assert.Empty(t, l.DirtyRuns())
	assert.Equal(t, StateUnloaded, l.State(0))
	require.NoError(t, l.Mark(0, StateLoaded))
}

func TestSpanSplitting(t *testing.T) {
	l := New(100)
	require.NoError(t, l.MarkRun(types.PageRun{Start: 10, Count: 80}, StateLoaded))
	require.NoError(t, l.MarkRun(types.PageRun{Start: 40, Count: 10}, StateWritten))

	assert.Equal(t, StateUnloaded, l.State(9))
	assert.Equal(t, StateLoaded, l.State(10))
	assert.Equal(t, StateLoaded, l.State(39))
	assert.Equal(t, StateWritten, l.State(40))
	assert.Equal(t, StateWritten, l.State(49))
	assert.Equal(t, StateLoaded, l.State(50))
	assert.Equal(t, StateLoaded, l.State(89))
	assert.Equal(t, StateUnloaded, l.State(90))
	assert.Equal(t, []types.PageRun{{Start: 40, Count: 10}}, l.DirtyRuns())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unloaded", StateUnloaded.String())
	assert.Equal(t, "loaded", StateLoaded.String())
	assert.Equal(t, "written", StateWritten.String())
}
