package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const payloadField = "payload"

func failedKey(queueName string) string        { return queueName + ":failed" }
func unprocessableKey(queueName string) string { return queueName + ":failed:unprocessable" }
func groupName(queueName string) string        { return queueName + ":group" }

func newRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type RedisProducer struct {
	client    *redis.Client
	queueName string
	logger    zerolog.Logger
	ensureMu  sync.Mutex
	ensured   bool
}

func NewRedisProducer(addr, queueName string, logger zerolog.Logger) (*RedisProducer, error) {
	client, err := newRedisClient(addr)
	if err != nil {
		return nil, err
	}

	return &RedisProducer{
		client:    client,
		queueName: queueName,
		logger:    logger.With().Str("queue", queueName).Logger(),
	}, nil
}

func (p *RedisProducer) EnqueueCapture(ctx context.Context, job CaptureJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue capture: %w", err)
	}
	if err := p.ensureStreamQueue(ctx); err != nil {
		return fmt.Errorf("ensure capture queue stream: %w", err)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.queueName,
		Values: map[string]any{
			payloadField: string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue capture: %w", err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}

func (p *RedisProducer) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{}

	depth, err := p.client.XLen(ctx, p.queueName).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return QueueStats{}, fmt.Errorf("stream depth: %w", err)
	}
	stats.StreamDepth = depth

	pending, err := p.client.XPending(ctx, p.queueName, groupName(p.queueName)).Result()
	switch {
	case err == nil:
		stats.Pending = pending.Count
	case errors.Is(err, redis.Nil), isMissingGroup(err):
	default:
		return QueueStats{}, fmt.Errorf("stream pending: %w", err)
	}

	failed, err := p.client.LLen(ctx, failedKey(p.queueName)).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed depth: %w", err)
	}
	stats.FailedDepth = failed

	return stats, nil
}

// ListDeadLetters returns up to limit entries, newest first.
func (p *RedisProducer) ListDeadLetters(ctx context.Context, limit int) (DeadLetterListResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.client.LRange(ctx, failedKey(p.queueName), 0, int64(limit-1)).Result()
	if err != nil {
		return DeadLetterListResult{}, fmt.Errorf("read dead letters: %w", err)
	}
	depth, err := p.client.LLen(ctx, failedKey(p.queueName)).Result()
	if err != nil {
		return DeadLetterListResult{}, fmt.Errorf("failed depth: %w", err)
	}

	result := DeadLetterListResult{Entries: make([]DeadLetter, 0, len(rows)), FailedDepth: depth}
	for _, row := range rows {
		entry := DeadLetter{}
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			entry = DeadLetter{Error: "unreadable dead letter", Payload: row}
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// RedriveDeadLetters moves up to limit entries, oldest first, back onto the
// stream. Entries that cannot be decoded are parked on a separate list.
func (p *RedisProducer) RedriveDeadLetters(ctx context.Context, limit int) (DeadLetterRedriveResult, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := p.ensureStreamQueue(ctx); err != nil {
		return DeadLetterRedriveResult{}, fmt.Errorf("ensure capture queue stream: %w", err)
	}

	result := DeadLetterRedriveResult{}
	for index := 0; index < limit; index++ {
		row, err := p.client.RPop(ctx, failedKey(p.queueName)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("pop dead letter: %w", err)
		}

		entry := DeadLetter{}
		if err := json.Unmarshal([]byte(row), &entry); err != nil || strings.TrimSpace(entry.Payload) == "" {
			if err := p.client.LPush(ctx, unprocessableKey(p.queueName), row).Err(); err != nil {
				return result, fmt.Errorf("park unprocessable dead letter: %w", err)
			}
			result.Skipped++
			continue
		}

		if err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.queueName,
			Values: map[string]any{payloadField: entry.Payload},
		}).Err(); err != nil {
			return result, fmt.Errorf("redrive dead letter: %w", err)
		}
		result.Redriven++
	}

	remaining, err := p.client.LLen(ctx, failedKey(p.queueName)).Result()
	if err != nil {
		return result, fmt.Errorf("failed depth: %w", err)
	}
	result.RemainingFailed = remaining
	if result.Redriven > 0 || result.Skipped > 0 {
		p.logger.Info().Int("redriven", result.Redriven).Int("skipped", result.Skipped).Msg("dead letters redriven")
	}
	return result, nil
}

// ensureStreamQueue checks that the queue key is a stream and creates the
// consumer group on first use, so jobs enqueued before any worker starts
// are still delivered to it.
func (p *RedisProducer) ensureStreamQueue(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.ensured {
		return nil
	}

	keyType, err := p.client.Type(ctx, p.queueName).Result()
	if err != nil {
		return err
	}
	if keyType != "none" && keyType != "stream" {
		return fmt.Errorf("redis key %s holds a %s, not a stream", p.queueName, keyType)
	}

	err = p.client.XGroupCreateMkStream(ctx, p.queueName, groupName(p.queueName), "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}

	p.ensured = true
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
