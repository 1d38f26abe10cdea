// Package distlock provides a Redis-backed mutex so only one scheduler
// replica runs a given job cycle when horizontally scaled.
package distlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/credo/internal/config"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

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
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock attempts to take the lock without blocking. The returned token is
// required to release it; holders that crash are evicted by the ttl.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lock only when the token still matches, so a holder
// whose lock already expired cannot release a successor's.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

const (
	schedulerLockKey = "credo:scheduler:leader"
	schedulerLockTTL = 5 * time.Minute
)

// SchedulerMutex guards a scheduler cycle. A nil mutex (no Redis configured)
// always grants the lock; single-replica deployments need no coordination.
type SchedulerMutex struct {
	locker *Locker
}

func NewSchedulerMutex(cfg config.Config) *SchedulerMutex {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return &SchedulerMutex{locker: NewLocker(client)}
}

func (m *SchedulerMutex) Acquire(ctx context.Context) (string, bool, error) {
	if m == nil || m.locker == nil {
		return "", true, nil
	}
	return m.locker.TryLock(ctx, schedulerLockKey, schedulerLockTTL)
}

func (m *SchedulerMutex) Release(ctx context.Context, token string) error {
	if m == nil || m.locker == nil {
		return nil
	}
	return m.locker.Release(ctx, schedulerLockKey, token)
}
