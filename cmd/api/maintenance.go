package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jesteria/omnispective/internal/store"
)

const retentionCycleTimeout = 45 * time.Second

type retentionRunner interface {
	RunRetention(ctx context.Context, retentionDays int) (store.RetentionResult, error)
}

// retentionLoop deletes captures older than days once at startup and then
// every interval until ctx is done.
type retentionLoop struct {
	runner   retentionRunner
	logger   zerolog.Logger
	interval time.Duration
	days     int
}

// startMaintenanceLoops is a no-op unless both the interval and the
// retention window are positive.
func startMaintenanceLoops(ctx context.Context, runner retentionRunner, logger zerolog.Logger, interval time.Duration, days int) {
	if interval <= 0 || days <= 0 {
		logger.Info().Msg("retention cleanup disabled")
		return
	}
	loop := retentionLoop{runner: runner, logger: logger, interval: interval, days: days}
	go loop.run(ctx)
}

func (l retentionLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l retentionLoop) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, retentionCycleTimeout)
	defer cancel()

	started := time.Now()
	result, err := l.runner.RunRetention(cycleCtx, l.days)
	if err != nil {
		l.logger.Error().Err(err).Int("retention_days", l.days).Msg("retention cleanup failed")
		return
	}

	event := l.logger.Info()
	if result.FailedArchiveDelete > 0 {
		event = l.logger.Warn()
	}
	event.
		Int("requests", result.DeletedRequests).
		Int("responses", len(result.DeletedResponseIDs)).
		Int("archive_failures", result.FailedArchiveDelete).
		Dur("took", time.Since(started)).
		Msg("retention cleanup completed")
}
