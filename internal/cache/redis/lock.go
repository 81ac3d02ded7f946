package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// releaseScript drops the lease only while it still carries the holder's
// token. A holder whose TTL lapsed mid-scan must not free a lease another
// replica has since won.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const releaseTimeout = 5 * time.Second

// lockBackend is the slice of the Redis API a lease needs.
type lockBackend interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// LockManager hands out TTL-bounded leases used for leader election. The
// margin monitor takes one per tick so a single replica scans.
type LockManager struct {
	backend  lockBackend
	key      func(string) string
	newToken func() string
}

// NewLockManager creates a LockManager on c, namespacing keys with its prefix.
func NewLockManager(c *Client) *LockManager {
	return newLockManager(c.Underlying(), c.Key)
}

func newLockManager(b lockBackend, key func(string) string) *LockManager {
	return &LockManager{backend: b, key: key, newToken: uuid.NewString}
}

func lockKey(name string) string {
	return "lock:" + name
}

// Acquire takes the lease on name for ttl. It returns domain.ErrLockHeld when
// another holder has it. The release func may be called any number of times
// and survives cancellation of ctx.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: acquire lock %s: ttl must be positive, got %s", name, ttl)
	}
	key := lm.key(lockKey(name))
	token := lm.newToken()

	won, err := lm.backend.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !won {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() { lm.release(key, token) })
	}, nil
}

func (lm *LockManager) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = lm.backend.Eval(ctx, releaseScript, []string{key}, token).Err()
}

var _ domain.LockManager = (*LockManager)(nil)
