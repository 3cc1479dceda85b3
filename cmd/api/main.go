package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	api "coordination-core/internal/api"
	"coordination-core/internal/config"
	"coordination-core/internal/logging"
	"coordination-core/internal/queue"
	"coordination-core/internal/ratelimit"
	"coordination-core/internal/secrets"
	"coordination-core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg).With().Str("service", "api").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	q := queue.New(st.DB())
	limiter, closeLimiter, err := ratelimit.FromConfig(cfg, st.DB())
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limiter")
	}
	defer closeLimiter()

	// Secret reporting is mounted only when this process can decrypt.
	var reporter api.SecretReporter
	if cfg.MasterKey != "" {
		c, err := secrets.NewCipher(cfg.MasterKey, cfg.SecretKDFSalt)
		if err != nil {
			logger.Fatal().Err(err).Msg("secret cipher")
		}
		reporter = secrets.New(st.DB(), c, secrets.WithCacheTTL(cfg.SecretCacheTTL), secrets.WithLogger(logger))
	} else {
		logger.Warn().Msg("MASTER_ENCRYPTION_KEY not set, secret routes disabled")
	}

	server := api.New(cfg, q, limiter, reporter, st, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("rate_limit_backend", cfg.RateLimitBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info().Msg("api stopped")
}
