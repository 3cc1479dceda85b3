package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"coordination-core/internal/archive"
	"coordination-core/internal/config"
	"coordination-core/internal/logging"
	"coordination-core/internal/queue"
	"coordination-core/internal/ratelimit"
	"coordination-core/internal/scheduler"
	"coordination-core/internal/secrets"
	"coordination-core/internal/store"
	"coordination-core/internal/telemetry"
	workerproc "coordination-core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := logging.New(cfg).With().Str("service", "worker").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	opts := []queue.Option{queue.WithBackoff(queue.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax})}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init archiver")
	}
	if arch != nil {
		opts = append(opts, queue.WithArchiver(arch))
	}
	q := queue.New(st.DB(), opts...)

	limiter, closeLimiter, err := ratelimit.FromConfig(cfg, st.DB())
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limiter")
	}
	defer closeLimiter()

	processor := workerproc.NewProcessorWithID(cfg, q, logger, workerID)

	var reporter scheduler.RotationReporter
	if cfg.MasterKey != "" {
		c, err := secrets.NewCipher(cfg.MasterKey, cfg.SecretKDFSalt)
		if err != nil {
			logger.Fatal().Err(err).Msg("secret cipher")
		}
		mgr := secrets.New(st.DB(), c, secrets.WithCacheTTL(cfg.SecretCacheTTL), secrets.WithLogger(logger))
		processor.RegisterHandler(workerproc.RotateSecretJobType, workerproc.NewRotateHandler(mgr, cfg.SecretGracePeriod))
		reporter = mgr
	} else {
		logger.Warn().Msg("MASTER_ENCRYPTION_KEY not set, secret rotation disabled")
	}

	sched := scheduler.New(cfg, q, limiter, reporter, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("job_timeout", cfg.JobTimeout).
		Dur("maintenance_interval", cfg.MaintenanceInterval).
		Msg("worker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = processor.Run(ctx)
	}()
	wg.Wait()
	logger.Info().Msg("worker stopped")
}
