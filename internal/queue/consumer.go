package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConsumer reads capture jobs through the queue's consumer group.
// Every delivered entry is acked; failures go to the dead-letter list
// instead of being retried.
type RedisConsumer struct {
	client    *redis.Client
	queueName string
	consumer  string
	batchSize int64
	block     time.Duration
	logger    zerolog.Logger
}

func NewRedisConsumer(addr, queueName, consumerName string, logger zerolog.Logger) (*RedisConsumer, error) {
	client, err := newRedisClient(addr)
	if err != nil {
		return nil, err
	}

	return &RedisConsumer{
		client:    client,
		queueName: queueName,
		consumer:  consumerName,
		batchSize: 16,
		block:     5 * time.Second,
		logger:    logger.With().Str("queue", queueName).Str("consumer", consumerName).Logger(),
	}, nil
}

func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

// Run processes batches until ctx is cancelled.
func (c *RedisConsumer) Run(ctx context.Context, handler Handler) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.ProcessBatch(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("capture queue read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessBatch reads at most one batch and returns how many entries were
// handled successfully.
func (c *RedisConsumer) ProcessBatch(ctx context.Context, handler Handler) (int, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return 0, err
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName(c.queueName),
		Consumer: c.consumer,
		Streams:  []string{c.queueName, ">"},
		Count:    c.batchSize,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read capture queue: %w", err)
	}

	handled := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			if c.handleMessage(ctx, message, handler) {
				handled++
			}
			if err := c.client.XAck(ctx, c.queueName, groupName(c.queueName), message.ID).Err(); err != nil {
				return handled, fmt.Errorf("ack capture job: %w", err)
			}
		}
	}
	return handled, nil
}

func (c *RedisConsumer) handleMessage(ctx context.Context, message redis.XMessage, handler Handler) bool {
	raw, _ := message.Values[payloadField].(string)

	job := CaptureJob{}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.deadLetter(ctx, raw, fmt.Errorf("decode capture job: %w", err))
		return false
	}
	if err := job.Validate(); err != nil {
		c.deadLetter(ctx, raw, err)
		return false
	}

	if err := handler(ctx, job); err != nil {
		c.deadLetter(ctx, raw, err)
		return false
	}
	return true
}

func (c *RedisConsumer) deadLetter(ctx context.Context, raw string, cause error) {
	c.logger.Warn().Err(cause).Msg("capture job dead-lettered")

	entry, err := json.Marshal(DeadLetter{
		FailedAt: time.Now().UTC(),
		Error:    cause.Error(),
		Payload:  raw,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("encode dead letter failed")
		return
	}
	if err := c.client.LPush(ctx, failedKey(c.queueName), string(entry)).Err(); err != nil {
		c.logger.Error().Err(err).Msg("dead letter push failed")
	}
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.queueName, groupName(c.queueName), "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}
