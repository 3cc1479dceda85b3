package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coordination-core/internal/store/storetest"
)

func newTestPostgresLimiter(t *testing.T) (*PostgresLimiter, *pgxpool.Pool) {
	t.Helper()
	pool := storetest.Open(t)
	storetest.Truncate(t, pool, "rate_limits")
	return NewPostgres(pool), pool
}

func TestPostgresLimiter_FixedWindow(t *testing.T) {
	l, pool := newTestPostgresLimiter(t)
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		res, err := l.CheckAndIncrement(ctx, "ip:10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !res.Allowed || res.Remaining != want {
			t.Fatalf("call %d: expected allowed with remaining=%d, got %+v", i+1, want, res)
		}
	}
	res, err := l.CheckAndIncrement(ctx, "ip:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("call 4: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected fourth call denied, got %+v", res)
	}
	if time.Until(res.ResetAt) < 50*time.Second {
		t.Fatalf("expected reset roughly a window away, got %v", res.ResetAt)
	}

	// Move the window and the block into the past.
	if _, err := pool.Exec(ctx, `
		UPDATE rate_limits
		SET window_start = NOW() - INTERVAL '5 minutes', blocked_until = NOW() - INTERVAL '1 second'
		WHERE identifier = $1`, "ip:10.0.0.1"); err != nil {
		t.Fatalf("age window: %v", err)
	}
	res, err = l.CheckAndIncrement(ctx, "ip:10.0.0.1", 3, time.Minute)
	if err != nil || !res.Allowed || res.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v err=%v", res, err)
	}
}

func TestPostgresLimiter_BlockSurvivesRollover(t *testing.T) {
	l, pool := newTestPostgresLimiter(t)
	ctx := context.Background()

	_, _ = l.CheckAndIncrement(ctx, "user:abc", 1, time.Minute)
	if res, _ := l.CheckAndIncrement(ctx, "user:abc", 1, time.Minute); res.Allowed {
		t.Fatalf("expected denial over limit")
	}
	if _, err := pool.Exec(ctx, `UPDATE rate_limits SET window_start = NOW() - INTERVAL '2 minutes' WHERE identifier = $1`, "user:abc"); err != nil {
		t.Fatalf("age window: %v", err)
	}
	res, err := l.CheckAndIncrement(ctx, "user:abc", 1, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected block to survive window rollover, got %+v", res)
	}
}

func TestPostgresLimiter_ConcurrentCallsAdmitExactlyMax(t *testing.T) {
	l, _ := newTestPostgresLimiter(t)
	ctx := context.Background()

	const callers, max = 30, 10
	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := l.CheckAndIncrement(ctx, "ip:burst", max, time.Minute)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != max {
		t.Fatalf("expected exactly %d allowed, got %d", max, allowed.Load())
	}
}

func TestPostgresLimiter_ResetAndCleanup(t *testing.T) {
	l, pool := newTestPostgresLimiter(t)
	ctx := context.Background()

	_, _ = l.CheckAndIncrement(ctx, "ip:a", 1, time.Minute)
	_, _ = l.CheckAndIncrement(ctx, "ip:a", 1, time.Minute)
	if err := l.Reset(ctx, "ip:a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res, _ := l.CheckAndIncrement(ctx, "ip:a", 1, time.Minute); !res.Allowed {
		t.Fatalf("expected allowed after reset, got %+v", res)
	}

	_, _ = l.CheckAndIncrement(ctx, "ip:old", 5, time.Minute)
	if _, err := pool.Exec(ctx, `UPDATE rate_limits SET window_start = NOW() - INTERVAL '2 hours' WHERE identifier = 'ip:old'`); err != nil {
		t.Fatalf("age row: %v", err)
	}
	n, err := l.Cleanup(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purged window, got n=%d err=%v", n, err)
	}
}

func TestPostgresLimiter_Window(t *testing.T) {
	l, _ := newTestPostgresLimiter(t)
	ctx := context.Background()

	if _, err := l.Window(ctx, "user:abc"); !errors.Is(err, ErrWindowNotFound) {
		t.Fatalf("expected ErrWindowNotFound, got %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = l.CheckAndIncrement(ctx, "user:abc", 2, 30*time.Second)
	}
	w, err := l.Window(ctx, "user:abc")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w.RequestCount != 3 || w.MaxRequests != 2 || w.WindowDuration != 30*time.Second {
		t.Fatalf("unexpected window %+v", w)
	}
	if w.BlockedUntil == nil || !w.BlockedUntil.After(w.WindowStart) {
		t.Fatalf("expected a block after the third request, got %v", w.BlockedUntil)
	}
}
