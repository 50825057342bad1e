package coord

import (
	"context"
	"testing"
	"time"

	clock "github.com/pixperk/clusterlock/pkg/time"
	"github.com/pixperk/clusterlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(name, owner string, mode types.Mode, lease time.Duration) types.AcquireRequest {
	return types.AcquireRequest{Name: name, Owner: owner, Mode: mode, Lease: lease}
}

func waitNotified(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for release notification")
	}
}

func TestMemoryAcquireRelease(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	m := NewMemory(clk)
	defer m.Close()

	g, err := m.Acquire(ctx, req("orders", "a", types.ModeExclusive, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.Token)

	_, err = m.Acquire(ctx, req("orders", "b", types.ModeExclusive, time.Minute))
	var held *types.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, clk.Now().Add(time.Minute), held.RetryAt)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.Watch(watchCtx, "orders")
	require.NoError(t, err)

	res, err := m.Release(ctx, "orders", "a", g.Token)
	require.NoError(t, err)
	assert.True(t, res.Freed)
	waitNotified(t, ch)

	e, err := m.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMemorySweepWakesWaiters(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	m := NewMemory(clk)

	_, err := m.Acquire(ctx, req("orders", "a", types.ModeExclusive, time.Second))
	require.NoError(t, err)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.Watch(watchCtx, "orders")
	require.NoError(t, err)

	n, err := m.Sweep()
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(time.Second)
	n, err = m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitNotified(t, ch)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, st.Backend)
	assert.Zero(t, st.Locks)
	assert.Equal(t, uint64(1), st.FencingCounter)
}

func TestMemoryRespectsCancelledContext(t *testing.T) {
	m := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, req("orders", "a", types.ModeExclusive, time.Second))
	assert.ErrorIs(t, err, context.Canceled)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Locks)
}
