package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
	"coordination-core/internal/queue"
	"coordination-core/internal/ratelimit"
	"coordination-core/internal/secrets"
	"coordination-core/internal/store"
	"coordination-core/internal/telemetry"
)

type JobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// SecretReporter exposes secret metadata only; values never leave through
// the API.
type SecretReporter interface {
	List(ctx context.Context, secretType models.SecretType) ([]models.Secret, error)
	NeedingRotation(ctx context.Context, age time.Duration) ([]models.Secret, error)
	ListVersions(ctx context.Context, keyName string) ([]models.SecretVersion, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the producer and admin API.
type Server struct {
	cfg     config.Config
	queue   JobQueue
	limiter ratelimit.Limiter
	secrets SecretReporter
	db      Pinger
	log     zerolog.Logger
}

// New constructs the API server. secrets and db may be nil; the matching
// routes are then not mounted or not checked.
func New(cfg config.Config, q JobQueue, limiter ratelimit.Limiter, sec SecretReporter, db Pinger, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		secrets: sec,
		db:      db,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/stats", s.handleStats)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			if s.secrets != nil {
				r.Get("/secrets", s.handleListSecrets)
				r.Get("/secrets/rotation-due", s.handleRotationDue)
				r.Get("/secrets/{key}/versions", s.handleSecretVersions)
			}
			if s.limiter != nil {
				r.Get("/ratelimits/{identifier}", s.handleGetLimit)
				r.Delete("/ratelimits/{identifier}", s.handleResetLimit)
			}
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	MaxAttempts  int            `json:"max_attempts"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
	DedupeKey    string         `json:"dedupe_key"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	p := queue.EnqueueParams{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		DedupeKey:   req.DedupeKey,
	}
	if req.ScheduledFor != nil {
		p.ScheduledFor = *req.ScheduledFor
	}
	if req.DelaySeconds > 0 {
		p.ScheduledFor = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	id, err := s.queue.Enqueue(r.Context(), p)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(models.StatusPending)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	t := models.SecretType(r.URL.Query().Get("type"))
	if t != "" && !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown secret type")
		return
	}
	list, err := s.secrets.List(r.Context(), t)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": nonNil(list)})
}

func (s *Server) handleRotationDue(w http.ResponseWriter, r *http.Request) {
	age := s.cfg.SecretRotationAge
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		age = time.Duration(days) * 24 * time.Hour
	}
	due, err := s.secrets.NeedingRotation(r.Context(), age)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": nonNil(due)})
}

func (s *Server) handleSecretVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.secrets.ListVersions(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	win, err := s.limiter.Window(r.Context(), chi.URLParam(r, "identifier"))
	if errors.Is(err, ratelimit.ErrWindowNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (s *Server) handleResetLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	if err := s.limiter.Reset(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.log.Info().Str("identifier", id).Msg("rate limit reset")
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps primitive errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, secrets.ErrSecretNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, secrets.ErrInvalidSecret):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
