package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Redis is a Locker backed by a per-key Redis value set with SETNX. The value
// is a random token so that only the holder can release it.
type Redis struct {
	client   redis.Cmdable
	ttl      time.Duration
	retry    time.Duration
	newToken func() string
	logger   zerolog.Logger
}

// NewRedis creates a Redis locker. ttl bounds how long a crashed holder can
// keep a key locked; the critical section itself is cancelled after ttl.
// A failed release is logged and left to expire with the ttl.
func NewRedis(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client:   client,
		ttl:      ttl,
		retry:    25 * time.Millisecond,
		newToken: uuid.NewString,
		logger:   logger,
	}
}

func (l *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := "lock:" + key
	token := l.newToken()

	if err := l.acquire(ctx, redisKey, token); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.release(relCtx, redisKey, token); err != nil {
			l.logger.Warn().Err(err).Str("key", redisKey).Dur("expires_in", l.ttl).Msg("lock release failed")
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(lockCtx)
}

func (l *Redis) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *Redis) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
