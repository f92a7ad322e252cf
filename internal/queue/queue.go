package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type CaptureKind string

const (
	KindClientRequest  CaptureKind = "clientrequest"
	KindServerResponse CaptureKind = "serverresponse"
)

// CaptureJob carries one submission body exactly as it would be posted to
// the resource named by Kind.
type CaptureJob struct {
	Kind       CaptureKind     `json:"kind"`
	CaptureID  string          `json:"captureId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func (j CaptureJob) Validate() error {
	switch j.Kind {
	case KindClientRequest, KindServerResponse:
	default:
		return errors.New("unknown capture kind")
	}
	if len(j.Payload) == 0 {
		return errors.New("capture payload is empty")
	}
	return nil
}

type Producer interface {
	EnqueueCapture(ctx context.Context, job CaptureJob) error
	Close() error
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

type QueueStats struct {
	StreamDepth int64 `json:"streamDepth"`
	Pending     int64 `json:"pending"`
	FailedDepth int64 `json:"failedDepth"`
}

type DeadLetter struct {
	FailedAt time.Time `json:"failedAt"`
	Error    string    `json:"error"`
	Payload  string    `json:"payload"`
}

type DeadLetterListResult struct {
	Entries     []DeadLetter `json:"entries"`
	FailedDepth int64        `json:"failedDepth"`
}

type DeadLetterRedriveResult struct {
	Redriven        int   `json:"redriven"`
	Skipped         int   `json:"skipped"`
	RemainingFailed int64 `json:"remainingFailed"`
}

// Handler processes one job. A returned error dead-letters the job.
type Handler func(ctx context.Context, job CaptureJob) error

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) EnqueueCapture(_ context.Context, _ CaptureJob) error {
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
