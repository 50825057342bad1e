package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClients(t *testing.T, n int) ([]*Client, *coord.Memory) {
	t.Helper()

	mem := coord.NewMemory(nil)
	clients := make([]*Client, n)
	for i := range clients {
		c := New(mem, Options{WaitTimeout: 5 * time.Second, LeaseTime: time.Minute})
		t.Cleanup(func() { c.Close(context.Background()) })
		clients[i] = c
	}
	return clients, mem
}

func TestMutualExclusion(t *testing.T) {
	clients, _ := newClients(t, 2)

	var inside, violations, total int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, c := range clients {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				err := c.DoWithLock(context.Background(), "orders", types.ModeExclusive, func(ctx context.Context) error {
					if atomic.AddInt32(&inside, 1) != 1 {
						atomic.AddInt32(&violations, 1)
					}
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&inside, -1)
					atomic.AddInt32(&total, 1)
					return nil
				})
				assert.NoError(t, err)
			}(c)
		}
	}
	wg.Wait()

	assert.Zero(t, violations)
	assert.Equal(t, int32(20), total)
}

func TestReentrantAcquireNeedsMatchingReleases(t *testing.T) {
	clients, mem := newClients(t, 2)
	a, b := clients[0], clients[1]
	ctx := WithOwner(context.Background(), "worker")

	h1, err := a.Acquire(ctx, "orders", types.ModeExclusive, time.Second, time.Minute)
	require.NoError(t, err)
	h2, err := a.Acquire(ctx, "orders", types.ModeExclusive, time.Second, time.Minute)
	require.NoError(t, err)

	assert.False(t, h1.Reentrant())
	assert.True(t, h2.Reentrant())
	assert.Equal(t, h1.Token(), h2.Token())
	assert.Equal(t, a.Session()+"/worker", h1.Owner())

	e, err := mem.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Holders[h1.Owner()].Count)

	require.NoError(t, h2.Release(ctx))

	_, err = b.Acquire(context.Background(), "orders", types.ModeExclusive, 0, time.Minute)
	assert.ErrorIs(t, err, types.ErrLockTimeout, "one release of two must keep the lock")

	require.NoError(t, h1.Release(ctx))

	h, err := b.Acquire(context.Background(), "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, h.Token(), h1.Token())
	require.NoError(t, h.Release(ctx))
}

func TestUnboundCallersAreDistinctOwners(t *testing.T) {
	clients, _ := newClients(t, 1)
	c := clients[0]
	ctx := context.Background()

	h, err := c.Acquire(ctx, "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "orders", types.ModeExclusive, 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, types.ErrLockTimeout)

	require.NoError(t, h.Release(ctx))
}

func TestLeaseExpiryTakeover(t *testing.T) {
	clients, _ := newClients(t, 2)
	crashed, survivor := clients[0], clients[1]
	ctx := context.Background()

	stale, err := crashed.Acquire(ctx, "orders", types.ModeExclusive, 0, 100*time.Millisecond)
	require.NoError(t, err)

	h, err := survivor.Acquire(ctx, "orders", types.ModeExclusive, 2*time.Second, time.Minute)
	require.NoError(t, err)
	assert.False(t, time.Now().Before(stale.ExpiresAt()), "granted before the previous lease ran out")
	assert.Greater(t, h.Token(), stale.Token())

	ok, err := stale.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	err = stale.Release(ctx)
	assert.ErrorIs(t, err, types.ErrStaleRelease)
	assert.Zero(t, crashed.Held())

	ok, err = h.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a stale release leaves the new holder alone")
}

func TestWaitTimeout(t *testing.T) {
	clients, _ := newClients(t, 2)
	ctx := context.Background()

	h, err := clients[0].Acquire(ctx, "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	defer h.Release(ctx)

	_, err = clients[1].Acquire(ctx, "orders", types.ModeShared, 50*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, types.ErrLockTimeout)

	var timeout *types.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "orders", timeout.Name)
	assert.GreaterOrEqual(t, timeout.Waited, 50*time.Millisecond)
	assert.Zero(t, clients[1].Held())
}

func TestSharedAndExclusiveCompatibility(t *testing.T) {
	clients, _ := newClients(t, 3)
	ctx := context.Background()

	r1, err := clients[0].Acquire(ctx, "orders", types.ModeShared, 0, time.Minute)
	require.NoError(t, err)
	r2, err := clients[1].Acquire(ctx, "orders", types.ModeShared, 0, time.Minute)
	require.NoError(t, err)

	_, err = clients[2].Acquire(ctx, "orders", types.ModeExclusive, 30*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, types.ErrLockTimeout)

	require.NoError(t, r1.Release(ctx))
	_, err = clients[2].Acquire(ctx, "orders", types.ModeExclusive, 30*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, types.ErrLockTimeout, "one shared holder is left")

	done := make(chan *Handle, 1)
	go func() {
		h, err := clients[2].Acquire(ctx, "orders", types.ModeExclusive, 2*time.Second, time.Minute)
		if assert.NoError(t, err) {
			done <- h
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r2.Release(ctx))

	select {
	case w := <-done:
		assert.Equal(t, types.ModeExclusive, w.Mode())
		_, err = clients[0].Acquire(ctx, "orders", types.ModeShared, 0, time.Minute)
		assert.ErrorIs(t, err, types.ErrLockTimeout)
		require.NoError(t, w.Release(ctx))
	case <-time.After(3 * time.Second):
		t.Fatal("exclusive waiter never acquired")
	}
}

func TestUpgradeIsRejected(t *testing.T) {
	clients, _ := newClients(t, 1)
	ctx := WithOwner(context.Background(), "reader")

	h, err := clients[0].Acquire(ctx, "orders", types.ModeShared, 0, time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = clients[0].Acquire(ctx, "orders", types.ModeExclusive, 5*time.Second, time.Minute)
	assert.ErrorIs(t, err, types.ErrUpgradeNotSupported)
	assert.Less(t, time.Since(start), time.Second, "upgrade fails without waiting")

	require.NoError(t, h.Release(ctx))
}

func TestExclusiveHolderReentersShared(t *testing.T) {
	clients, mem := newClients(t, 1)
	ctx := WithOwner(context.Background(), "writer")

	w, err := clients[0].Acquire(ctx, "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	r, err := clients[0].Acquire(ctx, "orders", types.ModeShared, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.ModeExclusive, r.Mode())

	e, err := mem.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, types.ModeExclusive, e.Mode)

	require.NoError(t, r.Release(ctx))
	require.NoError(t, w.Release(ctx))
}

func TestInterruptLeavesNoState(t *testing.T) {
	clients, mem := newClients(t, 2)

	h, err := clients[0].Acquire(context.Background(), "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err = clients[1].Acquire(ctx, "orders", types.ModeExclusive, 5*time.Second, time.Minute)
	assert.ErrorIs(t, err, types.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, clients[1].Held())

	e, err := mem.Inspect(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, e.Holders, 1)
	assert.Contains(t, e.Holders, h.Owner())

	require.NoError(t, h.Release(context.Background()))
}

func TestCancelledContextNeverAcquires(t *testing.T) {
	clients, mem := newClients(t, 1)
	c := clients[0]

	ctx, cancel := context.WithCancel(WithOwner(context.Background(), "worker"))
	cancel()

	h, err := c.Acquire(ctx, "orders", types.ModeExclusive, time.Second, time.Minute)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, types.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Held())

	e, err := mem.Inspect(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, e)

	//a held lock is not re-entered either
	held, err := c.Acquire(WithOwner(context.Background(), "worker"), "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "orders", types.ModeExclusive, time.Second, time.Minute)
	assert.ErrorIs(t, err, types.ErrInterrupted)

	e, err = mem.Inspect(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, e.Holders[held.Owner()].Count)
	require.NoError(t, held.Release(context.Background()))
}

// fails the next failReleases releases before they reach the coordinator
type flakyCoordinator struct {
	coord.Coordinator
	failReleases atomic.Int32
}

func (f *flakyCoordinator) Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error) {
	if f.failReleases.Add(-1) >= 0 {
		return types.ReleaseResult{}, fmt.Errorf("%w: connection reset", types.ErrCoordinationUnavailable)
	}
	return f.Coordinator.Release(ctx, name, owner, token)
}

func TestFailedReleaseKeepsTheHold(t *testing.T) {
	mem := coord.NewMemory(nil)
	flaky := &flakyCoordinator{Coordinator: mem}
	c := New(flaky, Options{LeaseTime: time.Minute})
	t.Cleanup(func() { c.Close(context.Background()) })
	ctx := WithOwner(context.Background(), "worker")

	h1, err := c.Lock(ctx, "orders", types.ModeExclusive)
	require.NoError(t, err)
	h2, err := c.Lock(ctx, "orders", types.ModeExclusive)
	require.NoError(t, err)

	flaky.failReleases.Store(1)
	err = h2.Release(ctx)
	assert.ErrorIs(t, err, types.ErrCoordinationUnavailable)
	assert.Equal(t, 1, c.Held())

	e, err := mem.Inspect(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Holders[h1.Owner()].Count)

	require.NoError(t, h2.Release(ctx), "a failed release can be retried")
	assert.ErrorIs(t, h2.Release(ctx), types.ErrAlreadyReleased)

	h3, err := c.Lock(ctx, "orders", types.ModeExclusive)
	require.NoError(t, err)
	assert.True(t, h3.Reentrant())

	require.NoError(t, h3.Release(ctx))
	require.NoError(t, h1.Release(ctx))

	e, err = mem.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, e, "as many releases as acquires free the lock")
	assert.Zero(t, c.Held())
}

func TestDoubleRelease(t *testing.T) {
	clients, _ := newClients(t, 2)
	ctx := context.Background()

	h, err := clients[0].Acquire(ctx, "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	assert.ErrorIs(t, h.Release(ctx), types.ErrAlreadyReleased)

	assert.ErrorIs(t, clients[1].Release(ctx, h), types.ErrInvalidArgument)
	assert.ErrorIs(t, clients[1].Release(ctx, nil), types.ErrInvalidArgument)
}

func TestInvalidArguments(t *testing.T) {
	clients, _ := newClients(t, 1)
	c := clients[0]
	ctx := context.Background()

	tests := []struct {
		name  string
		lock  string
		mode  types.Mode
		wait  time.Duration
		lease time.Duration
	}{
		{"empty name", "", types.ModeExclusive, 0, time.Second},
		{"free mode", "orders", types.ModeFree, 0, time.Second},
		{"unknown mode", "orders", types.Mode(42), 0, time.Second},
		{"negative wait", "orders", types.ModeShared, -time.Second, time.Second},
		{"zero lease", "orders", types.ModeShared, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Acquire(ctx, tt.lock, tt.mode, tt.wait, tt.lease)
			assert.ErrorIs(t, err, types.ErrInvalidArgument)
		})
	}
}

func TestDoWithLockReleasesOnErrorAndPanic(t *testing.T) {
	clients, mem := newClients(t, 1)
	c := clients[0]
	ctx := context.Background()

	boom := errors.New("boom")
	err := c.DoWithLock(ctx, "orders", types.ModeExclusive, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		c.DoWithLock(ctx, "orders", types.ModeExclusive, func(context.Context) error {
			panic("protected operation failed")
		})
	})

	e, err := mem.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Zero(t, c.Held())
}

func TestNestedDoWithLockIsReentrant(t *testing.T) {
	clients, mem := newClients(t, 1)
	c := clients[0]

	err := c.DoWithLock(context.Background(), "orders", types.ModeExclusive, func(ctx context.Context) error {
		return c.DoWithLock(ctx, "orders", types.ModeExclusive, func(ctx context.Context) error {
			e, err := mem.Inspect(ctx, "orders")
			require.NoError(t, err)
			require.Len(t, e.Holders, 1)
			for _, h := range e.Holders {
				assert.Equal(t, 2, h.Count)
			}
			return nil
		})
	})
	require.NoError(t, err)

	e, err := mem.Inspect(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestLostReentrantHoldStartsOver(t *testing.T) {
	clients, _ := newClients(t, 1)
	ctx := WithOwner(context.Background(), "worker")

	first, err := clients[0].Acquire(ctx, "orders", types.ModeExclusive, 0, 30*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	again, err := clients[0].Acquire(ctx, "orders", types.ModeExclusive, time.Second, time.Minute)
	require.NoError(t, err)
	assert.False(t, again.Reentrant())
	assert.Greater(t, again.Token(), first.Token())

	assert.ErrorIs(t, first.Release(ctx), types.ErrStaleRelease)
	require.NoError(t, again.Release(ctx))
}

func TestCloseDrainsHeldLocks(t *testing.T) {
	clients, mem := newClients(t, 1)
	c := clients[0]
	ctx := WithOwner(context.Background(), "worker")

	first, err := c.Lock(ctx, "orders", types.ModeExclusive)
	require.NoError(t, err)
	_, err = c.Lock(ctx, "orders", types.ModeExclusive)
	require.NoError(t, err)
	_, err = c.Lock(ctx, "payments", types.ModeShared)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	for _, name := range []string{"orders", "payments"} {
		e, err := mem.Inspect(ctx, name)
		require.NoError(t, err)
		assert.Nil(t, e, name)
	}

	_, err = c.Lock(ctx, "orders", types.ModeExclusive)
	assert.ErrorIs(t, err, ErrClosed)

	//drained handles are not stale ones
	stale := testutil.ToFloat64(metrics.StaleReleaseTotal)
	assert.ErrorIs(t, first.Release(ctx), ErrClosed)
	assert.NotErrorIs(t, first.Release(ctx), types.ErrStaleRelease)
	assert.Equal(t, stale, testutil.ToFloat64(metrics.StaleReleaseTotal))
}

func TestWaiterWokenByRelease(t *testing.T) {
	mem := coord.NewMemory(nil)
	//polling alone would take far longer than the assertion allows
	a := New(mem, Options{MinBackoff: 5 * time.Second, MaxBackoff: 5 * time.Second})
	b := New(mem, Options{MinBackoff: 5 * time.Second, MaxBackoff: 5 * time.Second})
	ctx := context.Background()

	h, err := a.Acquire(ctx, "orders", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		w, err := b.Acquire(ctx, "orders", types.ModeExclusive, 10*time.Second, time.Minute)
		if err == nil {
			err = w.Release(ctx)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Release(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release notification")
	}
}

func TestCrossedLocksTimeOut(t *testing.T) {
	clients, _ := newClients(t, 2)
	ctx := context.Background()

	a, err := clients[0].Acquire(ctx, "left", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)
	b, err := clients[1].Acquire(ctx, "right", types.ModeExclusive, 0, time.Minute)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := clients[0].Acquire(ctx, "right", types.ModeExclusive, 100*time.Millisecond, time.Minute)
		errs <- err
	}()
	go func() {
		_, err := clients[1].Acquire(ctx, "left", types.ModeExclusive, 150*time.Millisecond, time.Minute)
		errs <- err
	}()

	timeouts := 0
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if errors.Is(err, types.ErrLockTimeout) {
				timeouts++
			}
		case <-time.After(3 * time.Second):
			t.Fatal("acquire hung past its wait bound")
		}
	}
	assert.Equal(t, 2, timeouts)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}
