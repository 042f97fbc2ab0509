package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stocklock/internal/adapter/memory"
	"github.com/rl1809/stocklock/internal/core/domain"
)

func testConfig(wait, lease time.Duration) Config {
	return Config{
		LockWaitTimeout: wait,
		LeaseDuration:   lease,
		Retry:           NewRetryPolicy(3, 5*time.Millisecond, 20*time.Millisecond),
	}
}

func TestSpin_TimesOutWhileHeld(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	s := NewSpin(coord, testConfig(100*time.Millisecond, time.Second))

	token, err := s.Acquire(ctx, nil, "1")
	require.NoError(t, err)
	assert.True(t, token.HasLease())

	start := time.Now()
	_, err = s.Acquire(ctx, nil, "1")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, coord.TrySetCalls(), int64(3), "spin polls the coordinator")

	require.NoError(t, s.Release(ctx, nil, token))
}

func TestSpin_AcquiresAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	s := NewSpin(coord, testConfig(time.Second, 50*time.Millisecond))

	crashed, err := s.Acquire(ctx, nil, "1")
	require.NoError(t, err)

	token, err := s.Acquire(ctx, nil, "1")
	require.NoError(t, err)
	assert.NotEqual(t, crashed.HolderID, token.HolderID)

	assert.ErrorIs(t, s.Release(ctx, nil, crashed), domain.ErrNotHolder,
		"an expired holder must not free the new lease")
	holder, live := coord.Holder(token.ResourceKey)
	require.True(t, live)
	assert.Equal(t, token.HolderID, holder)
}

func TestPubSub_WakesOnRelease(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	p := NewPubSub(coord, testConfig(2*time.Second, 5*time.Second))

	token, err := p.Acquire(ctx, nil, "1")
	require.NoError(t, err)

	acquired := make(chan time.Time, 1)
	go func() {
		waiter, err := p.Acquire(ctx, nil, "1")
		if err == nil {
			acquired <- time.Now()
			_ = p.Release(ctx, nil, waiter)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	callsBefore := coord.TrySetCalls()
	released := time.Now()
	require.NoError(t, p.Release(ctx, nil, token))

	select {
	case at := <-acquired:
		assert.Less(t, at.Sub(released), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the release")
	}
	assert.LessOrEqual(t, coord.TrySetCalls()-callsBefore, int64(2), "waiter parks instead of polling")
}

func TestPubSub_WakesOnLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	p := NewPubSub(coord, testConfig(time.Second, 60*time.Millisecond))

	_, err := p.Acquire(ctx, nil, "1")
	require.NoError(t, err)

	start := time.Now()
	token, err := p.Acquire(ctx, nil, "1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, p.Release(ctx, nil, token))
}

func TestPubSub_TimesOut(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	p := NewPubSub(coord, testConfig(80*time.Millisecond, 5*time.Second))

	token, err := p.Acquire(ctx, nil, "1")
	require.NoError(t, err)
	defer p.Release(ctx, nil, token)

	start := time.Now()
	_, err = p.Acquire(ctx, nil, "1")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDistributed_CoordinatorUnavailableFailsFast(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewCoordinator()
	coord.SetAvailable(false)
	cfg := testConfig(time.Second, time.Second)

	for _, s := range []Strategy{NewSpin(coord, cfg), NewPubSub(coord, cfg)} {
		start := time.Now()
		_, err := s.Acquire(ctx, nil, "1")
		assert.ErrorIs(t, err, domain.ErrCoordinatorUnavailable, s.Kind())
		assert.Less(t, time.Since(start), 100*time.Millisecond, s.Kind())
	}
}

func TestDistributed_CancelWhileWaitingLeavesNoToken(t *testing.T) {
	coord := memory.NewCoordinator()
	cfg := testConfig(5*time.Second, 5*time.Second)

	for _, s := range []Strategy{NewSpin(coord, cfg), NewPubSub(coord, cfg)} {
		held, err := s.Acquire(context.Background(), nil, "1")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err = s.Acquire(ctx, nil, "1")
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded, s.Kind())

		holder, live := coord.Holder(domain.ResourceKey("1"))
		assert.True(t, live)
		assert.Equal(t, held.HolderID, holder, "the canceled waiter owns nothing")

		require.NoError(t, s.Release(context.Background(), nil, held))
		_, live = coord.Holder(domain.ResourceKey("1"))
		assert.False(t, live)
	}
}

func TestDistributed_ReleaseRunsAfterCancel(t *testing.T) {
	coord := memory.NewCoordinator()
	s := NewSpin(coord, testConfig(time.Second, 5*time.Second))

	token, err := s.Acquire(context.Background(), nil, "1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Release(ctx, nil, token))

	_, live := coord.Holder(token.ResourceKey)
	assert.False(t, live)
}
