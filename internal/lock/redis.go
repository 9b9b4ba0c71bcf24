package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "mirador-detect:lock:"

var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock is a Locker shared across instances. The value of each key is an
// owner token unique to one acquisition; only that owner may release or refresh it.
type RedisLock struct {
	client *redis.Client
	owner  string
	logger *slog.Logger
}

// NewRedisLock wraps client. Owner tokens are hostname:pid:uuid.
func NewRedisLock(client *redis.Client, logger *slog.Logger) *RedisLock {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &RedisLock{
		client: client,
		owner:  fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		logger: logger,
	}
}

// TryLock sets the key with NX semantics.
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := r.owner + ":" + uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	r.logger.Debug("lock acquired", slog.String("key", key), slog.Duration("ttl", ttl))
	return token, true, nil
}

// Unlock deletes the key when token still owns it.
func (r *RedisLock) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{keyPrefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	if n == 0 {
		r.logger.Warn("lock already expired or held by another instance", slog.String("key", key))
	}
	return nil
}

// Refresh extends a held lease to ttl.
func (r *RedisLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{keyPrefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", key, ErrNotHeld)
	}
	return nil
}
