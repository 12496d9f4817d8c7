package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only while it still holds our
// token, so an expired lock reacquired by another instance is never
// released from here.
const releaseScript = `
local held = redis.call("GET", KEYS[1])
if held == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is a best-effort distributed lock. Used to serialize schema
// migrations and maintenance ticks when several instances run at once;
// nil when redis is not configured, in which case callers proceed
// unlocked.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// TryLock attempts a single non-blocking acquire. The returned token
// must be passed back to Release; ok is false when another holder has
// the key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" || ttl <= 0 {
		return "", false, errors.New("lock key and ttl are required")
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if it is still held under token. Releasing a
// lock that already expired is a no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}
