package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
	"coordination-core/internal/store"
)

var (
	// ErrInvalidLimit rejects limits that could never admit a request.
	ErrInvalidLimit = errors.New("rate limit requires max_requests >= 1 and a positive window")
	// ErrWindowNotFound means the identifier has no live window.
	ErrWindowNotFound = errors.New("rate limit window not found")
)

// Limiter is a fixed-window counter per identifier. Each call to
// CheckAndIncrement is one atomic read-modify-write in the backing store.
//
// Windows are fixed, not sliding: counts reset sharply at the boundary, so a
// client can burst up to twice the limit across it. When the limit is
// exceeded the identifier is blocked for a full window from that moment.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (models.RateLimitResult, error)
	Reset(ctx context.Context, identifier string) error
	Window(ctx context.Context, identifier string) (models.RateLimitWindow, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

func validate(maxRequests int, window time.Duration) error {
	if maxRequests < 1 || window <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// decide turns the post-increment window state into a result.
func decide(count, maxRequests int, windowStart time.Time, window time.Duration, blockedUntil *time.Time, now time.Time) models.RateLimitResult {
	blocked := blockedUntil != nil && blockedUntil.After(now)
	res := models.RateLimitResult{
		Allowed:   count <= maxRequests && !blocked,
		Limit:     maxRequests,
		Remaining: maxRequests - count,
		ResetAt:   windowStart.Add(window),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if blocked && blockedUntil.After(res.ResetAt) {
		res.ResetAt = *blockedUntil
	}
	return res
}

// FromConfig builds the limiter named by cfg.RateLimitBackend. The returned
// close func releases any client the limiter owns.
func FromConfig(cfg config.Config, db store.DB) (Limiter, func() error, error) {
	switch cfg.RateLimitBackend {
	case "", "postgres":
		return NewPostgres(db), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
}
