package redisclient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockNotConfigured = errors.New("lock_client_not_configured")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
	ErrLockTTL           = errors.New("lock_ttl_not_positive")
)

// compare-and-delete so a holder never frees a lease taken over after expiry
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease is a held lock. Release it with Locker.Release.
type Lease struct {
	Key   string
	Token string
}

// Locker hands out expiring single-holder leases on Redis keys.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// TryAcquire takes the lease on key when nobody holds it. ok is false when
// another holder owns it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if l == nil || l.client == nil {
		return Lease{}, false, ErrLockNotConfigured
	}
	if key == "" {
		return Lease{}, false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return Lease{}, false, ErrLockTTL
	}

	lease := Lease{Key: key, Token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil || lease.Key == "" || lease.Token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
