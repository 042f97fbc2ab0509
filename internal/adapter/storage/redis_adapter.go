package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

const (
	lockKeyPrefix      = "lock:"
	releaseChannelBase = "lock:release:"
)

// releaseScript deletes the lock only for its owner and announces the release
// in the same round trip.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local channel = ARGV[2]

if redis.call('GET', key) == holder then
	redis.call('DEL', key)
	redis.call('PUBLISH', channel, holder)
	return 1
end

return 0
`)

var _ port.Coordinator = (*RedisCoordinator)(nil)

// RedisCoordinator leases locks as SET NX keys. All release waiters in the
// process share one pub/sub connection.
type RedisCoordinator struct {
	client *redis.Client

	mu      sync.Mutex
	ps      *redis.PubSub
	waiters map[string]map[*redisSubscription]struct{} // by lock key
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{
		client:  client,
		waiters: make(map[string]map[*redisSubscription]struct{}),
	}
}

// EnableExpiryEvents turns on keyevent notifications for expired keys so
// waiters also hear about lapsed leases. Managed Redis often disallows
// CONFIG SET; waiters then fall back to their lease-bounded wait.
func (r *RedisCoordinator) EnableExpiryEvents(ctx context.Context) error {
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return fmt.Errorf("enable expiry events: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(ctx, err)
	}
	return nil
}

func (r *RedisCoordinator) TrySet(ctx context.Context, key, holderID string, lease time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, holderID, lease).Result()
	if err != nil {
		return false, unavailable(ctx, err)
	}
	return ok, nil
}

func (r *RedisCoordinator) Delete(ctx context.Context, key, holderID string) (bool, error) {
	result, err := releaseScript.Run(ctx, r.client, []string{lockKeyPrefix + key}, holderID, releaseChannelBase+key).Int()
	if err != nil {
		return false, unavailable(ctx, err)
	}
	return result == 1, nil
}

// SubscribeToRelease registers a waiter for key. Once it returns, any release
// or lease expiry of key is delivered on the subscription.
func (r *RedisCoordinator) SubscribeToRelease(ctx context.Context, key string) (port.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.listen(ctx); err != nil {
		return nil, err
	}

	sub := &redisSubscription{owner: r, key: key, ch: make(chan struct{}, 1)}
	if r.waiters[key] == nil {
		r.waiters[key] = make(map[*redisSubscription]struct{})
	}
	r.waiters[key][sub] = struct{}{}
	return sub, nil
}

// listen starts the shared subscription on first use. Callers hold r.mu.
func (r *RedisCoordinator) listen(ctx context.Context) error {
	if r.ps != nil {
		return nil
	}

	expired := fmt.Sprintf("__keyevent@%d__:expired", r.client.Options().DB)
	ps := r.client.PSubscribe(ctx, releaseChannelBase+"*")
	if err := ps.Subscribe(ctx, expired); err != nil {
		ps.Close()
		return unavailable(ctx, err)
	}

	// Wait for both confirmations so nothing published afterwards is missed.
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return unavailable(ctx, err)
		}
	}

	r.ps = ps
	go r.dispatch(ps.Channel())
	return nil
}

func (r *RedisCoordinator) dispatch(msgs <-chan *redis.Message) {
	for msg := range msgs {
		var key string
		switch {
		case strings.HasPrefix(msg.Channel, releaseChannelBase):
			key = strings.TrimPrefix(msg.Channel, releaseChannelBase)
		case strings.HasPrefix(msg.Payload, lockKeyPrefix):
			key = strings.TrimPrefix(msg.Payload, lockKeyPrefix)
		default:
			continue
		}

		r.mu.Lock()
		for sub := range r.waiters[key] {
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
		r.mu.Unlock()
	}
}

func (r *RedisCoordinator) unsubscribe(sub *redisSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.waiters[sub.key], sub)
	if len(r.waiters[sub.key]) == 0 {
		delete(r.waiters, sub.key)
	}
}

// Waiters reports how many release subscriptions are open.
func (r *RedisCoordinator) Waiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, subs := range r.waiters {
		n += len(subs)
	}
	return n
}

// Close stops the shared subscription. The client stays open.
func (r *RedisCoordinator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ps == nil {
		return nil
	}
	err := r.ps.Close()
	r.ps = nil
	return err
}

type redisSubscription struct {
	owner *RedisCoordinator
	key   string
	ch    chan struct{}
	once  sync.Once
}

func (s *redisSubscription) C() <-chan struct{} { return s.ch }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { s.owner.unsubscribe(s) })
	return nil
}

// unavailable attributes err to the caller only when the caller's ctx ended.
// Network timeouts also match context.DeadlineExceeded, so the error alone
// cannot tell the two apart.
func unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return fmt.Errorf("%w: %v", domain.ErrCoordinatorUnavailable, err)
}
