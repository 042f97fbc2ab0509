package port

import (
	"context"
	"time"
)

// Coordinator is a remote lock service shared by every process.
// Transport failures are reported wrapped in domain.ErrCoordinatorUnavailable.
type Coordinator interface {
	// TrySet sets key to holderID with a lease if the key is free, and
	// reports whether it did.
	TrySet(ctx context.Context, key, holderID string, lease time.Duration) (bool, error)

	// Delete removes key only if holderID still owns it, and publishes a
	// release notification when it does.
	Delete(ctx context.Context, key, holderID string) (bool, error)

	// SubscribeToRelease delivers at most one notification per release or
	// lease expiry of key.
	SubscribeToRelease(ctx context.Context, key string) (Subscription, error)
}

type Subscription interface {
	C() <-chan struct{}
	Close() error
}
