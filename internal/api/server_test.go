package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
	"coordination-core/internal/queue"
	"coordination-core/internal/ratelimit"
	"coordination-core/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.EnqueueParams
	jobs     map[string]models.Job
	last     queue.EnqueueParams
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, p queue.EnqueueParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = p
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, p)
	return fmt.Sprintf("job-%d", len(f.enqueued)), nil
}

func (f *fakeQueue) GetJob(_ context.Context, id string) (models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return models.Job{}, queue.ErrJobNotFound
}

func (f *fakeQueue) Stats(context.Context) (models.QueueStats, error) {
	return models.QueueStats{Pending: 3, Failed: 1}, nil
}

type fakeSecrets struct {
	age time.Duration
}

func (f *fakeSecrets) List(_ context.Context, t models.SecretType) ([]models.Secret, error) {
	return []models.Secret{{KeyName: "JWT_SECRET", Type: models.SecretJWT, Version: 2}}, nil
}

func (f *fakeSecrets) NeedingRotation(_ context.Context, age time.Duration) ([]models.Secret, error) {
	f.age = age
	return nil, nil
}

func (f *fakeSecrets) ListVersions(_ context.Context, key string) ([]models.SecretVersion, error) {
	if key != "JWT_SECRET" {
		return nil, nil
	}
	return []models.SecretVersion{{Version: 2, IsActive: true}, {Version: 1}}, nil
}

type failingLimiter struct{}

func (failingLimiter) CheckAndIncrement(context.Context, string, int, time.Duration) (models.RateLimitResult, error) {
	return models.RateLimitResult{}, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (failingLimiter) Reset(context.Context, string) error { return nil }
func (failingLimiter) Window(context.Context, string) (models.RateLimitWindow, error) {
	return models.RateLimitWindow{}, ratelimit.ErrWindowNotFound
}
func (failingLimiter) Cleanup(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func newRedisLimiter(t *testing.T) ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return ratelimit.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func newTestServer(t *testing.T, cfg config.Config, l ratelimit.Limiter) (*httptest.Server, *fakeQueue, *fakeSecrets) {
	t.Helper()
	q := &fakeQueue{jobs: map[string]models.Job{"job-7": {ID: "job-7", Type: "report", Status: models.StatusCompleted}}}
	sec := &fakeSecrets{}
	srv := httptest.NewServer(New(cfg, q, l, sec, nil, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, q, sec
}

func testCfg() config.Config {
	cfg := config.Defaults()
	cfg.RateLimitMax = 2
	cfg.RateLimitWindow = time.Minute
	return cfg
}

func TestRateLimitHeadersAnd429(t *testing.T) {
	srv, _, _ := newTestServer(t, testCfg(), newRedisLimiter(t))

	for i, remaining := range []string{"1", "0"} {
		resp, err := http.Get(srv.URL + "/jobs/stats")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "2" || resp.Header.Get("X-RateLimit-Remaining") != remaining {
			t.Fatalf("request %d: unexpected headers %v", i, resp.Header)
		}
		if resp.Header.Get("X-RateLimit-Reset") == "" {
			t.Fatalf("request %d: missing reset header", i)
		}
	}

	resp, err := http.Get(srv.URL + "/jobs/stats")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// A different caller has its own window.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs/stats", nil)
	req.Header.Set("Authorization", "Bearer some-user-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected token caller allowed, got %d", resp2.StatusCode)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	srv, _, _ := newTestServer(t, testCfg(), failingLimiter{})
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/jobs/stats")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected limiter failure to allow request, got %d", resp.StatusCode)
		}
	}
}

func TestHealthAndMetricsAreNotLimited(t *testing.T) {
	cfg := testCfg()
	cfg.RateLimitMax = 1
	srv, _, _ := newTestServer(t, cfg, newRedisLimiter(t))
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || resp.Header.Get("X-RateLimit-Limit") != "" {
			t.Fatalf("healthz must bypass the limiter, got %d", resp.StatusCode)
		}
	}
}

func TestClientIdentifier(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := clientIdentifier(r); got != "ip:10.1.2.3" {
		t.Fatalf("expected ip identifier, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc")
	got := clientIdentifier(r)
	if !strings.HasPrefix(got, "user:") || len(got) != len("user:")+16 {
		t.Fatalf("expected hashed user identifier, got %q", got)
	}
	if strings.Contains(got, "abc") {
		t.Fatalf("token must not appear in identifier")
	}
}

func TestEnqueueAndGetJob(t *testing.T) {
	srv, q, _ := newTestServer(t, testCfg(), failingLimiter{})

	body := `{"type":"invoice.render","payload":{"invoice_id":"inv-1"},"priority":9,"delay_seconds":30}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["id"] != "job-1" {
		t.Fatalf("expected job id, got %v", out)
	}
	p := q.enqueued[0]
	if p.Type != "invoice.render" || p.Priority != 9 || p.Payload["invoice_id"] != "inv-1" {
		t.Fatalf("unexpected params %+v", p)
	}
	if d := time.Until(p.ScheduledFor); d < 20*time.Second || d > 31*time.Second {
		t.Fatalf("expected delayed schedule, got %v", d)
	}

	bad, _ := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"payload":{}}`))
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without type, got %d", bad.StatusCode)
	}

	got, _ := http.Get(srv.URL + "/jobs/job-7")
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.StatusCode)
	}
	missing, _ := http.Get(srv.URL + "/jobs/nope")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestEnqueueStoreUnavailable(t *testing.T) {
	srv, q, _ := newTestServer(t, testCfg(), failingLimiter{})
	q.err = fmt.Errorf("%w: timeout", store.ErrUnavailable)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"type":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	cfg := testCfg()
	cfg.AdminToken = "s3cret-admin"
	cfg.RateLimitMax = 100
	srv, _, sec := newTestServer(t, cfg, newRedisLimiter(t))

	do := func(method, path, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, srv.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	if resp := do(http.MethodGet, "/secrets", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := do(http.MethodGet, "/secrets", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp := do(http.MethodGet, "/secrets", "s3cret-admin")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var raw map[string][]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw["secrets"]) != 1 {
		t.Fatalf("expected one secret, got %v", raw)
	}
	for k := range raw["secrets"][0] {
		if strings.Contains(k, "value") {
			t.Fatalf("secret value leaked in field %q", k)
		}
	}

	if resp := do(http.MethodGet, "/secrets/rotation-due?days=10", "s3cret-admin"); resp.StatusCode != http.StatusOK || sec.age != 240*time.Hour {
		t.Fatalf("expected 10 day threshold, got status=%d age=%v", resp.StatusCode, sec.age)
	}
	if resp := do(http.MethodGet, "/secrets/rotation-due?days=0", "s3cret-admin"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for days=0, got %d", resp.StatusCode)
	}
	if resp := do(http.MethodGet, "/secrets/JWT_SECRET/versions", "s3cret-admin"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected versions 200, got %d", resp.StatusCode)
	}
	if resp := do(http.MethodGet, "/secrets/UNKNOWN/versions", "s3cret-admin"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", resp.StatusCode)
	}
	if resp := do(http.MethodGet, "/ratelimits/ip:10.0.0.1", "s3cret-admin"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an identifier with no window, got %d", resp.StatusCode)
	}
	// Admin calls are rate limited too, so the admin token now has a window.
	tokenReq := httptest.NewRequest(http.MethodGet, "/", nil)
	tokenReq.Header.Set("Authorization", "Bearer s3cret-admin")
	resp = do(http.MethodGet, "/ratelimits/"+clientIdentifier(tokenReq), "s3cret-admin")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected window 200, got %d", resp.StatusCode)
	}
	var win models.RateLimitWindow
	if err := json.NewDecoder(resp.Body).Decode(&win); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if win.MaxRequests != 100 || win.RequestCount < 1 {
		t.Fatalf("unexpected window %+v", win)
	}
	if resp := do(http.MethodDelete, "/ratelimits/ip:10.0.0.1", "s3cret-admin"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on reset, got %d", resp.StatusCode)
	}
}

func TestLimiterRoutesRequireALimiter(t *testing.T) {
	cfg := testCfg()
	srv, _, _ := newTestServer(t, cfg, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/ratelimits/ip:10.0.0.1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a limiter, got %d", resp.StatusCode)
	}

	// Job routes still work, unlimited.
	resp, err = http.Get(srv.URL + "/jobs/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-RateLimit-Limit") != "" {
		t.Fatalf("expected unlimited 200, got %d %v", resp.StatusCode, resp.Header)
	}
}

func TestEnqueueDuplicateIsConflict(t *testing.T) {
	srv, q, _ := newTestServer(t, testCfg(), nil)
	q.err = fmt.Errorf("%w: rotate:JWT_SECRET", queue.ErrDuplicateJob)

	resp, err := http.Post(srv.URL+"/jobs", "application/json",
		strings.NewReader(`{"type":"secrets.rotate","dedupe_key":"rotate:JWT_SECRET"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if q.last.DedupeKey != "rotate:JWT_SECRET" {
		t.Fatalf("expected dedupe key passed through, got %+v", q.last)
	}
}

func TestStoreErrorMapping(t *testing.T) {
	s := New(testCfg(), nil, nil, nil, nil, zerolog.Nop())
	cases := []struct {
		err  error
		code int
	}{
		{queue.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: blank", queue.ErrInvalidJob), http.StatusBadRequest},
		{fmt.Errorf("%w: eof", store.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.storeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}
