package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("provider lock not acquired")
	// ErrLockLost means the lease could not be renewed while the callback ran,
	// so another writer may already hold the provider.
	ErrLockLost = errors.New("provider lock lost")
)

// maxHoldFactor bounds how many TTLs a single holder may keep renewing.
const maxHoldFactor = 6

// Locker serialises writes to one provider's slot set across API instances
// and the horizon worker.
type Locker interface {
	WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisProviderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProviderLocker creates a locker that uses a per provider Redis key.
// The key lives for ttl and is renewed every ttl/3 while the callback runs,
// up to maxHoldFactor*ttl in total.
func NewRedisProviderLocker(client *redis.Client, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &redisProviderLocker{
		client: client,
		ttl:    ttl,
	}
}

func providerKey(providerID uuid.UUID) string {
	return fmt.Sprintf("lock:provider:%s", providerID.String())
}

func (l *redisProviderLocker) WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	key := providerKey(providerID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire provider lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	leaseCtx, lose := context.WithCancelCause(ctx)
	defer lose(nil)
	holdCtx, cancel := context.WithTimeout(leaseCtx, maxHoldFactor*l.ttl)
	defer cancel()

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(holdCtx, key, token, lose)
	}()

	err = fn(holdCtx)
	cancel()
	<-renewed

	if err != nil && errors.Is(context.Cause(leaseCtx), ErrLockLost) {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	return err
}

// keepAlive pushes the key's expiry forward until ctx ends. A renewal that
// fails or finds another token cancels the holder with ErrLockLost.
func (l *redisProviderLocker) keepAlive(ctx context.Context, key, token string, lose context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil || n == 0 {
				lose(ErrLockLost)
				return
			}
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (l *redisProviderLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release provider lock: %w", err)
	}
	return nil
}
