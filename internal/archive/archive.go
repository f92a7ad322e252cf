// Package archive keeps a verbatim copy of every captured payload in object
// storage, keyed by resource and row id.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotConfigured = errors.New("archive store not configured")

const (
	RequestPrefix  = "clientrequest/"
	ResponsePrefix = "serverresponse/"
)

type Store interface {
	Put(ctx context.Context, objectKey string, document Document) error
	Delete(ctx context.Context, objectKey string) error
	Close() error
}

// Document is the archived form of one captured payload.
type Document struct {
	Resource   string    `json:"resource"`
	ID         int64     `json:"id"`
	CaptureID  string    `json:"capture_id,omitempty"`
	Content    string    `json:"content"`
	ArchivedAt time.Time `json:"archived_at"`
}

func RequestKey(id int64) string {
	return fmt.Sprintf("%s%d.json", RequestPrefix, id)
}

func ResponseKey(id int64) string {
	return fmt.Sprintf("%s%d.json", ResponsePrefix, id)
}

func Prefixes() []string {
	return []string{RequestPrefix, ResponsePrefix}
}

// NoopStore stands in when no bucket is configured. Callers treat
// ErrNotConfigured as "nothing to do".
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (NoopStore) Put(context.Context, string, Document) error { return ErrNotConfigured }

func (NoopStore) Delete(context.Context, string) error { return ErrNotConfigured }

func (NoopStore) Close() error { return nil }
