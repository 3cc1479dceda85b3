package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
	"coordination-core/internal/queue"
	"coordination-core/internal/telemetry"
	"coordination-core/internal/worker"
)

type JobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	RequeueStale(ctx context.Context, timeout time.Duration) (int64, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

type LimiterCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

type RotationReporter interface {
	NeedingRotation(ctx context.Context, age time.Duration) ([]models.Secret, error)
}

// Report summarises one maintenance pass.
type Report struct {
	JobsPurged        int64
	JobsRequeued      int64
	WindowsPurged     int64
	DueRotation       []string
	RotationsEnqueued []string
	Err               error
}

// Scheduler runs periodic maintenance against the three primitives. Each step
// is independent; one failing does not skip the others.
type Scheduler struct {
	cfg     config.Config
	queue   JobQueue
	limiter LimiterCleaner
	secrets RotationReporter
	log     zerolog.Logger
}

func New(cfg config.Config, q JobQueue, l LimiterCleaner, s RotationReporter, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		limiter: l,
		secrets: s,
		log:     log,
	}
}

// Run performs a pass immediately and then every MaintenanceInterval until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep := s.RunOnce(ctx)
		ev := s.log.Info()
		if rep.Err != nil {
			ev = s.log.Warn().Err(rep.Err)
		}
		ev.Int64("jobs_purged", rep.JobsPurged).
			Int64("jobs_requeued", rep.JobsRequeued).
			Int64("windows_purged", rep.WindowsPurged).
			Int("due_rotation", len(rep.DueRotation)).
			Int("rotations_enqueued", len(rep.RotationsEnqueued)).
			Msg("maintenance pass")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one maintenance pass.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var rep Report
	var errs []error

	if s.queue != nil {
		if n, err := s.queue.RequeueStale(ctx, s.cfg.JobVisibilityTimeout); err != nil {
			errs = append(errs, fmt.Errorf("requeue stale: %w", err))
		} else {
			rep.JobsRequeued = n
		}
		if n, err := s.queue.Cleanup(ctx, s.cfg.JobRetention); err != nil {
			errs = append(errs, fmt.Errorf("queue cleanup: %w", err))
		} else {
			rep.JobsPurged = n
		}
		if stats, err := s.queue.Stats(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue stats: %w", err))
		} else {
			telemetry.QueueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(stats.Pending))
			telemetry.QueueDepth.WithLabelValues(string(models.StatusProcessing)).Set(float64(stats.Processing))
			telemetry.QueueDepth.WithLabelValues(string(models.StatusCompleted)).Set(float64(stats.Completed))
			telemetry.QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.Failed))
		}
	}

	if s.limiter != nil {
		if n, err := s.limiter.Cleanup(ctx, s.cfg.RateLimitRetention); err != nil {
			errs = append(errs, fmt.Errorf("rate limit cleanup: %w", err))
		} else {
			rep.WindowsPurged = n
		}
	}

	if s.secrets != nil {
		due, err := s.secrets.NeedingRotation(ctx, s.cfg.SecretRotationAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("rotation report: %w", err))
		} else {
			telemetry.SecretsDueRotation.Set(float64(len(due)))
			for _, sec := range due {
				rep.DueRotation = append(rep.DueRotation, sec.KeyName)
				s.log.Warn().Str("key_name", sec.KeyName).Str("secret_type", string(sec.Type)).
					Time("created_at", sec.CreatedAt).Msg("secret due for rotation")
			}
			enqueued, err := s.enqueueRotations(ctx, due)
			rep.RotationsEnqueued = enqueued
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	rep.Err = errors.Join(errs...)
	return rep
}

// RotationDedupeKey names the live rotation job for keyName. Every worker
// process runs a scheduler; the queue admits one live job per key.
func RotationDedupeKey(keyName string) string {
	return worker.RotateSecretJobType + ":" + keyName
}

func (s *Scheduler) enqueueRotations(ctx context.Context, due []models.Secret) ([]string, error) {
	if s.queue == nil || len(s.cfg.SecretAutoRotateTypes) == 0 {
		return nil, nil
	}
	var enqueued []string
	var errs []error
	for _, sec := range due {
		if !slices.Contains(s.cfg.SecretAutoRotateTypes, string(sec.Type)) {
			continue
		}
		_, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:      worker.RotateSecretJobType,
			Payload:   map[string]any{"key_name": sec.KeyName},
			Priority:  8,
			DedupeKey: RotationDedupeKey(sec.KeyName),
		})
		if errors.Is(err, queue.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue rotation %s: %w", sec.KeyName, err))
			continue
		}
		enqueued = append(enqueued, sec.KeyName)
	}
	return enqueued, errors.Join(errs...)
}
