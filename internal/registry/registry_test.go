package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

func TestActivateAndCurrent(t *testing.T) {
	ctx := &resolve.Context{}
	guard, err := Activate(ctx)
	require.NoError(t, err)
	defer guard.Release()

	got, ok := Current()
	require.True(t, ok)
	assert.Same(t, ctx, got)
}

func TestNestedActivationRejected(t *testing.T) {
	guard, err := Activate(&resolve.Context{})
	require.NoError(t, err)
	defer guard.Release()

	_, err = Activate(&resolve.Context{})
	require.Error(t, err)
	assert.IsType(t, types.AlreadyActiveError{}, err)
}

func TestReleaseDeactivates(t *testing.T) {
	guard, err := Activate(&resolve.Context{})
	require.NoError(t, err)
	guard.Release()

	_, ok := Current()
	assert.False(t, ok)

	// Released contexts are invisible; a fresh activation works.
	guard2, err := Activate(&resolve.Context{})
	require.NoError(t, err)
	guard2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	guard, err := Activate(&resolve.Context{})
	require.NoError(t, err)
	guard.Release()
	guard.Release()

	guard2, err := Activate(&resolve.Context{})
	require.NoError(t, err)
	guard2.Release()
}

func TestParallelActivationsAreIndependent(t *testing.T) {
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := &resolve.Context{}
			guard, err := Activate(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer guard.Release()
			got, ok := Current()
			if !ok || got != ctx {
				errs[i] = types.BackendFailureError{Msg: "lookup returned foreign context"}
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
}

func TestCurrentWithoutActivation(t *testing.T) {
	done := make(chan bool)
	go func() {
		_, ok := Current()
		done <- ok
	}()
	assert.False(t, <-done)
}
