package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "capture-jobs"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func newTestProducer(t *testing.T, addr string) *RedisProducer {
	t.Helper()
	producer, err := NewRedisProducer(addr, testQueue, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = producer.Close()
	})
	return producer
}

func newTestConsumer(t *testing.T, addr string) *RedisConsumer {
	t.Helper()
	consumer, err := NewRedisConsumer(addr, testQueue, "test-consumer", zerolog.Nop())
	require.NoError(t, err)
	consumer.block = 50 * time.Millisecond
	t.Cleanup(func() {
		_ = consumer.Close()
	})
	return consumer
}

func requestJob(captureID string) CaptureJob {
	return CaptureJob{
		Kind:      KindClientRequest,
		CaptureID: captureID,
		Payload:   json.RawMessage(`{"content":"GET / HTTP/1.1\r\n\r\n"}`),
	}
}

func TestRedisProducerEnqueueCapture(t *testing.T) {
	mr, client := newTestRedis(t)
	producer := newTestProducer(t, mr.Addr())
	ctx := context.Background()

	require.NoError(t, producer.EnqueueCapture(ctx, requestJob("cap-1")))

	rows, err := client.XRange(ctx, testQueue, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	job := CaptureJob{}
	require.NoError(t, json.Unmarshal([]byte(rows[0].Values[payloadField].(string)), &job))
	assert.Equal(t, KindClientRequest, job.Kind)
	assert.Equal(t, "cap-1", job.CaptureID)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestRedisProducerRejectsInvalidJob(t *testing.T) {
	mr, _ := newTestRedis(t)
	producer := newTestProducer(t, mr.Addr())

	err := producer.EnqueueCapture(context.Background(), CaptureJob{Kind: "bogus", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestRedisProducerRejectsNonStreamKey(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.LPush(ctx, testQueue, "stale").Err())

	producer := newTestProducer(t, mr.Addr())
	err := producer.EnqueueCapture(ctx, requestJob("cap-1"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a stream")
}

func TestRedisProducerCreatesGroupForEarlyJobs(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	producer := newTestProducer(t, mr.Addr())
	require.NoError(t, producer.EnqueueCapture(ctx, requestJob("cap-early")))

	pending, err := client.XPending(ctx, testQueue, testQueue+":group").Result()
	require.NoError(t, err, "the group exists before any consumer starts")
	assert.Zero(t, pending.Count)

	consumer := newTestConsumer(t, mr.Addr())
	seen := []string{}
	handled, err := consumer.ProcessBatch(ctx, func(_ context.Context, job CaptureJob) error {
		seen = append(seen, job.CaptureID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"cap-early"}, seen)
}

func TestRedisConsumerHandlesAndDeadLetters(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	producer := newTestProducer(t, mr.Addr())
	consumer := newTestConsumer(t, mr.Addr())

	require.NoError(t, producer.EnqueueCapture(ctx, requestJob("ok")))
	require.NoError(t, producer.EnqueueCapture(ctx, requestJob("boom")))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: testQueue,
		Values: map[string]any{payloadField: "this-is-not-json"},
	}).Err())

	seen := []string{}
	handled, err := consumer.ProcessBatch(ctx, func(_ context.Context, job CaptureJob) error {
		seen = append(seen, job.CaptureID)
		if job.CaptureID == "boom" {
			return errors.New("upstream rejected capture")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"ok", "boom"}, seen)

	stats, err := producer.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{StreamDepth: 3, Pending: 0, FailedDepth: 2}, stats)

	letters, err := producer.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters.Entries, 2)
	assert.Equal(t, "this-is-not-json", letters.Entries[0].Payload)
	assert.Contains(t, letters.Entries[1].Error, "upstream rejected capture")
}

func TestRedisProducerQueueStatsCountsPending(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	producer := newTestProducer(t, mr.Addr())

	stats, err := producer.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, stats)

	for index := 0; index < 3; index++ {
		require.NoError(t, producer.EnqueueCapture(ctx, requestJob("")))
	}
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName(testQueue),
		Consumer: "stuck",
		Streams:  []string{testQueue, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	require.NoError(t, err)

	stats, err = producer.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.StreamDepth)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestRedisProducerRedriveDeadLetters(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	producer := newTestProducer(t, mr.Addr())

	oldPayload := `{"kind":"clientrequest","captureId":"old","payload":{}}`
	newPayload := `{"kind":"clientrequest","captureId":"new","payload":{}}`
	for _, payload := range []string{oldPayload, newPayload} {
		entry, err := json.Marshal(DeadLetter{FailedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Error: "failed", Payload: payload})
		require.NoError(t, err)
		require.NoError(t, client.LPush(ctx, failedKey(testQueue), string(entry)).Err())
	}

	first, err := producer.RedriveDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterRedriveResult{Redriven: 1, RemainingFailed: 1}, first)

	second, err := producer.RedriveDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterRedriveResult{Redriven: 1, RemainingFailed: 0}, second)

	rows, err := client.XRange(ctx, testQueue, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, oldPayload, rows[0].Values[payloadField])
	assert.Equal(t, newPayload, rows[1].Values[payloadField])
}

func TestRedisProducerRedriveSkipsUnprocessable(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	producer := newTestProducer(t, mr.Addr())

	require.NoError(t, client.LPush(ctx, failedKey(testQueue), "this-is-not-json").Err())

	result, err := producer.RedriveDeadLetters(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterRedriveResult{Skipped: 1}, result)

	depth, err := client.LLen(ctx, unprocessableKey(testQueue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
