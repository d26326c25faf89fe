package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Postgres is a Locker built on session-level advisory locks. It needs no
// extra infrastructure beyond the primary database.
type Postgres struct {
	pool   *pgxpool.Pool
	wait   time.Duration
	logger zerolog.Logger
}

// NewPostgres creates an advisory-lock Locker. wait bounds how long a caller
// queues for the lock.
func NewPostgres(pool *pgxpool.Pool, wait time.Duration, logger zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, wait: wait, logger: logger}
}

func (l *Postgres) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for lock %s: %w", key, err)
	}
	defer conn.Release()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	_, err = conn.Exec(waitCtx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.Exec(relCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// The advisory lock is session scoped, so a connection that still
			// holds it must not go back to the pool.
			l.logger.Warn().Err(err).Str("key", key).Msg("advisory unlock failed, closing connection")
			_ = conn.Conn().Close(relCtx)
		}
	}()

	return fn(ctx)
}
