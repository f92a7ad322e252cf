package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseAlerterThresholdAndCooldown(t *testing.T) {
	var calls atomic.Int64
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	alerter := NewResponseAlerter(webhook.URL, "", 500, 10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerter.now = func() time.Time { return now }
	ctx := context.Background()
	alert := ResponseAlert{AppCode: "myapp", Host: "example.com", Path: "/checkout", StatusCode: 503}

	sent, err := alerter.Notify(ctx, ResponseAlert{AppCode: "myapp", StatusCode: 404})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = alerter.Notify(ctx, alert)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = alerter.Notify(ctx, alert)
	require.NoError(t, err)
	assert.False(t, sent)

	other := alert
	other.Path = "/cart"
	sent, err = alerter.Notify(ctx, other)
	require.NoError(t, err)
	assert.True(t, sent)

	now = now.Add(11 * time.Minute)
	sent, err = alerter.Notify(ctx, alert)
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Equal(t, int64(3), calls.Load())
}

func TestResponseAlerterFailureDoesNotStartCooldown(t *testing.T) {
	var calls atomic.Int64
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	alerter := NewResponseAlerter(webhook.URL, "", 500, 10)
	alert := ResponseAlert{AppCode: "myapp", Path: "/", StatusCode: 500}

	sent, err := alerter.Notify(context.Background(), alert)
	assert.Error(t, err)
	assert.False(t, sent)

	sent, err = alerter.Notify(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestResponseAlerterDisabled(t *testing.T) {
	var alerter *ResponseAlerter
	sent, err := alerter.Notify(context.Background(), ResponseAlert{StatusCode: 500})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = NewResponseAlerter(" ", "", 500, 0).Notify(context.Background(), ResponseAlert{StatusCode: 500})
	require.NoError(t, err)
	assert.False(t, sent)
}
