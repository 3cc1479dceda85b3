package ratelimit

import (
	"errors"
	"testing"
	"time"

	"coordination-core/internal/config"
)

func TestDecide(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)
	future := now.Add(2 * time.Minute)
	past := now.Add(-time.Second)

	cases := []struct {
		name      string
		count     int
		blocked   *time.Time
		allowed   bool
		remaining int
		resetAt   time.Time
	}{
		{name: "first request", count: 1, allowed: true, remaining: 2, resetAt: start.Add(time.Minute)},
		{name: "at limit", count: 3, allowed: true, remaining: 0, resetAt: start.Add(time.Minute)},
		{name: "over limit", count: 4, blocked: &future, allowed: false, remaining: 0, resetAt: future},
		{name: "carried block", count: 1, blocked: &future, allowed: false, remaining: 2, resetAt: future},
		{name: "elapsed block", count: 1, blocked: &past, allowed: true, remaining: 2, resetAt: start.Add(time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decide(tc.count, 3, start, time.Minute, tc.blocked, now)
			if got.Allowed != tc.allowed || got.Remaining != tc.remaining || !got.ResetAt.Equal(tc.resetAt) || got.Limit != 3 {
				t.Fatalf("unexpected result %+v", got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := validate(0, time.Minute); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit for max=0, got %v", err)
	}
	if err := validate(1, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit for zero window, got %v", err)
	}
	if err := validate(1, time.Second); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	l, closeFn, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("postgres backend: %v", err)
	}
	if _, ok := l.(*PostgresLimiter); !ok {
		t.Fatalf("expected PostgresLimiter, got %T", l)
	}
	_ = closeFn()

	cfg.RateLimitBackend = "redis"
	l, closeFn, err = FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	if _, ok := l.(*RedisLimiter); !ok {
		t.Fatalf("expected RedisLimiter, got %T", l)
	}
	_ = closeFn()

	cfg.RateLimitBackend = "memory"
	if _, _, err := FromConfig(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
