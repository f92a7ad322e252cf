package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jesteria/omnispective/internal/config"
	"github.com/jesteria/omnispective/internal/observability"
	"github.com/jesteria/omnispective/internal/queue"
	"github.com/jesteria/omnispective/pkg/omniclient"
)

func main() {
	cfg := config.LoadWorker()
	logger := observability.NewLogger(cfg.LogLevel)

	client, err := omniclient.NewClient(omniclient.DefaultSettings().Merge(omniclient.Settings{
		Host:         cfg.APIHost,
		HostIsSecure: &cfg.APIHostIsSecure,
		Username:     cfg.APIUsername,
		APIKey:       cfg.APIKey,
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("omnispective client setup failed")
	}

	consumer, err := queue.NewRedisConsumer(cfg.RedisAddr, cfg.CaptureQueueName, cfg.ConsumerName, *logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("capture queue connection failed")
	}
	defer consumer.Close()

	producer, err := queue.NewRedisProducer(cfg.RedisAddr, cfg.CaptureQueueName, *logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("capture queue connection failed")
	}
	defer producer.Close()

	metrics := observability.NewMetrics()
	metrics.RegisterQueueStats(producer)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("queue", cfg.CaptureQueueName).
		Str("consumer", cfg.ConsumerName).
		Str("api", client.URL(omniclient.ResourceClientRequest)).
		Msg("capture worker started")

	if err := consumer.Run(ctx, forwardJob(client, metrics, *logger)); err != nil {
		logger.Error().Err(err).Msg("capture worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// forwardJob posts each job independently. A returned error dead-letters
// the job; there is no retry.
func forwardJob(client *omniclient.Client, metrics *observability.Metrics, logger zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job queue.CaptureJob) error {
		err := client.Forward(ctx, job)
		if err != nil {
			metrics.QueueJobsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Str("kind", string(job.Kind)).Str("capture_id", job.CaptureID).Msg("capture job forward failed")
			return err
		}
		metrics.QueueJobsTotal.WithLabelValues("forwarded").Inc()
		logger.Debug().Str("kind", string(job.Kind)).Str("capture_id", job.CaptureID).Msg("capture job forwarded")
		return nil
	}
}
