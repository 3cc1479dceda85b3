package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"coordination-core/internal/models"
	"coordination-core/internal/store"
)

// PostgresLimiter keeps one rate_limits row per identifier.
type PostgresLimiter struct {
	db     store.DB
	schema *store.Schema
}

func NewPostgres(db store.DB) *PostgresLimiter {
	return &PostgresLimiter{db: db, schema: store.NewSchema("rate_limits")}
}

// The whole decision is one upsert: concurrent callers serialise on the row
// lock, so each sees a distinct post-increment count.
const checkAndIncrementSQL = `
INSERT INTO rate_limits AS rl (identifier, request_count, window_start, window_duration_ms, max_requests, blocked_until)
VALUES ($1, 1, NOW(), $3::bigint, $2, NULL)
ON CONFLICT (identifier) DO UPDATE SET
	request_count = CASE
		WHEN NOW() > rl.window_start + rl.window_duration_ms * INTERVAL '1 millisecond' THEN 1
		ELSE rl.request_count + 1
	END,
	window_start = CASE
		WHEN NOW() > rl.window_start + rl.window_duration_ms * INTERVAL '1 millisecond' THEN NOW()
		ELSE rl.window_start
	END,
	blocked_until = CASE
		WHEN NOW() > rl.window_start + rl.window_duration_ms * INTERVAL '1 millisecond'
			THEN CASE WHEN rl.blocked_until > NOW() THEN rl.blocked_until END
		WHEN rl.request_count + 1 > EXCLUDED.max_requests
			THEN NOW() + EXCLUDED.window_duration_ms * INTERVAL '1 millisecond'
		ELSE rl.blocked_until
	END,
	window_duration_ms = EXCLUDED.window_duration_ms,
	max_requests = EXCLUDED.max_requests
RETURNING request_count, window_start, blocked_until, NOW()
`

func (l *PostgresLimiter) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (res models.RateLimitResult, err error) {
	if err := validate(maxRequests, window); err != nil {
		return res, err
	}
	if err := l.schema.Ensure(ctx, l.db); err != nil {
		return res, err
	}

	var count int
	var windowStart, now time.Time
	var blocked pgtype.Timestamptz
	err = l.db.QueryRow(ctx, checkAndIncrementSQL, identifier, maxRequests, window.Milliseconds()).
		Scan(&count, &windowStart, &blocked, &now)
	if err != nil {
		return res, store.Classify(fmt.Errorf("check rate limit: %w", err))
	}
	return decide(count, maxRequests, windowStart, window, store.TimePtr(blocked), now), nil
}

// Reset deletes the identifier's window.
func (l *PostgresLimiter) Reset(ctx context.Context, identifier string) error {
	if err := l.schema.Ensure(ctx, l.db); err != nil {
		return err
	}
	if _, err := l.db.Exec(ctx, `DELETE FROM rate_limits WHERE identifier = $1`, identifier); err != nil {
		return store.Classify(fmt.Errorf("reset rate limit: %w", err))
	}
	return nil
}

// Window reads the stored counter for identifier.
func (l *PostgresLimiter) Window(ctx context.Context, identifier string) (models.RateLimitWindow, error) {
	if err := l.schema.Ensure(ctx, l.db); err != nil {
		return models.RateLimitWindow{}, err
	}
	w := models.RateLimitWindow{Identifier: identifier}
	var windowMs int64
	var blocked pgtype.Timestamptz
	err := l.db.QueryRow(ctx, `
		SELECT window_start, window_duration_ms, max_requests, request_count, blocked_until
		FROM rate_limits WHERE identifier = $1
	`, identifier).Scan(&w.WindowStart, &windowMs, &w.MaxRequests, &w.RequestCount, &blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RateLimitWindow{}, ErrWindowNotFound
	}
	if err != nil {
		return models.RateLimitWindow{}, store.Classify(fmt.Errorf("read rate limit: %w", err))
	}
	w.WindowDuration = time.Duration(windowMs) * time.Millisecond
	w.BlockedUntil = store.TimePtr(blocked)
	return w, nil
}

// Cleanup purges windows that started before now-olderThan and are not blocked.
func (l *PostgresLimiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := l.schema.Ensure(ctx, l.db); err != nil {
		return 0, err
	}
	tag, err := l.db.Exec(ctx, `
		DELETE FROM rate_limits
		WHERE window_start < NOW() - ($1::bigint * INTERVAL '1 millisecond')
		  AND (blocked_until IS NULL OR blocked_until < NOW())
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, store.Classify(fmt.Errorf("cleanup rate limits: %w", err))
	}
	return tag.RowsAffected(), nil
}
