package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coordination-core/internal/telemetry"
)

// rateLimit admits or rejects a request against the shared limiter. A
// limiter failure lets the request through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := clientIdentifier(r)
		res, err := s.limiter.CheckAndIncrement(r.Context(), id, s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
		if err != nil {
			telemetry.RateLimitFailOpen.Inc()
			s.log.Warn().Err(err).Str("identifier", id).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			telemetry.RateLimitDecisions.WithLabelValues("denied").Inc()
			retry := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}
		telemetry.RateLimitDecisions.WithLabelValues("allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

// clientIdentifier keys authenticated callers by a hash of their token and
// everyone else by address. RemoteAddr already reflects X-Forwarded-For when
// the RealIP middleware is installed.
func clientIdentifier(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		sum := sha256.Sum256([]byte(token))
		return "user:" + hex.EncodeToString(sum[:])[:16]
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// requireAdmin enforces the bearer admin token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
