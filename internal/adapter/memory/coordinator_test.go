package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stocklock/internal/core/domain"
)

func TestCoordinator_TrySetIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator()

	ok, err := c.TrySet(ctx, "stock:1", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TrySet(ctx, "stock:1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, live := c.Holder("stock:1")
	assert.True(t, live)
	assert.Equal(t, "a", holder)
	assert.Equal(t, int64(2), c.TrySetCalls())
}

func TestCoordinator_DeleteOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator()
	_, _ = c.TrySet(ctx, "stock:1", "a", time.Second)

	ok, err := c.Delete(ctx, "stock:1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Delete(ctx, "stock:1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, live := c.Holder("stock:1")
	assert.False(t, live)
}

func TestCoordinator_LeaseExpiryNotifies(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator()
	_, _ = c.TrySet(ctx, "stock:1", "a", 30*time.Millisecond)

	sub, err := c.SubscribeToRelease(ctx, "stock:1")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expiry was not announced")
	}

	ok, err := c.TrySet(ctx, "stock:1", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.Delete(ctx, "stock:1", "a")
	assert.False(t, ok, "expired holder cannot delete the new lease")
}

func TestCoordinator_ReleaseNotifiesEverySubscriber(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator()
	_, _ = c.TrySet(ctx, "stock:1", "a", time.Second)

	first, _ := c.SubscribeToRelease(ctx, "stock:1")
	second, _ := c.SubscribeToRelease(ctx, "stock:1")
	defer first.Close()
	defer second.Close()

	_, _ = c.Delete(ctx, "stock:1", "a")

	for _, sub := range []interface{ C() <-chan struct{} }{first, second} {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the release")
		}
	}
}

func TestCoordinator_Unavailable(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator()
	c.SetAvailable(false)

	_, err := c.TrySet(ctx, "stock:1", "a", time.Second)
	assert.ErrorIs(t, err, domain.ErrCoordinatorUnavailable)
	_, err = c.Delete(ctx, "stock:1", "a")
	assert.ErrorIs(t, err, domain.ErrCoordinatorUnavailable)
	_, err = c.SubscribeToRelease(ctx, "stock:1")
	assert.ErrorIs(t, err, domain.ErrCoordinatorUnavailable)

	c.SetAvailable(true)
	ok, err := c.TrySet(ctx, "stock:1", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	sub, err := c.SubscribeToRelease(context.Background(), "stock:1")
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}
