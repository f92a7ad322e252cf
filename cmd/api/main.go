package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jesteria/omnispective/internal/api"
	"github.com/jesteria/omnispective/internal/archive"
	"github.com/jesteria/omnispective/internal/config"
	"github.com/jesteria/omnispective/internal/ingest"
	"github.com/jesteria/omnispective/internal/observability"
	"github.com/jesteria/omnispective/internal/queue"
	"github.com/jesteria/omnispective/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	ctx := context.Background()
	st, err := openStore(ctx, cfg, *logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store setup failed")
	}
	defer st.Close()

	metrics := observability.NewMetrics()
	archiveStore := openArchive(ctx, cfg, *logger)
	defer archiveStore.Close()

	var queueAdmin api.QueueAdmin
	if cfg.QueueEnabled() {
		producer, err := queue.NewRedisProducer(cfg.RedisAddr, cfg.CaptureQueueName, *logger)
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("capture queue unavailable, queue endpoints disabled")
		} else {
			defer producer.Close()
			queueAdmin = producer
			metrics.RegisterQueueStats(producer)
		}
	}

	service := ingest.NewService(st, ingest.Options{
		Archive: archiveStore,
		Alerter: ingest.NewResponseAlerter(cfg.AlertWebhookURL, cfg.AlertWebhookAuth, cfg.AlertMinStatus, cfg.AlertCooldownMinutes),
		Metrics: metrics,
		Logger:  *logger,
	})

	handler := api.NewHandler(api.Options{
		Store:                   st,
		Ingest:                  service,
		Metrics:                 metrics,
		Logger:                  *logger,
		Queue:                   queueAdmin,
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		AdminAPIKey:             cfg.AdminAPIKey,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMaintenanceLoops(
		shutdownCtx,
		service,
		*logger,
		time.Duration(cfg.CleanupIntervalMinutes)*time.Minute,
		cfg.RetentionDays,
	)

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.StoreDriver).Msg("omnispective listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory store, captures are lost on restart")
		return store.NewMemory(), nil
	case config.StoreDriverPostgres:
		db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
	}
}

// openArchive falls back to the noop archive when S3 is not configured or
// unreachable; archiving is best effort.
func openArchive(ctx context.Context, cfg config.Config, logger zerolog.Logger) archive.Store {
	if cfg.S3Bucket == "" {
		return archive.NewNoopStore()
	}

	s3Store, err := archive.NewS3Store(ctx, archive.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("archive unavailable, continuing without it")
		return archive.NewNoopStore()
	}

	if cfg.RetentionDays > 0 {
		lifecycleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := s3Store.EnsureLifecyclePolicy(lifecycleCtx, cfg.RetentionDays, archive.Prefixes()); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("archive lifecycle policy not applied")
		}
	}
	return s3Store
}
