package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ResponseAlert describes a captured server response worth paging on.
type ResponseAlert struct {
	AppCode    string
	SessionID  int64
	RequestID  int64
	ResponseID int64
	Method     string
	Host       string
	Path       string
	StatusCode int
	Reason     string
}

// ResponseAlerter posts a webhook for responses at or above a status
// threshold, at most once per app and route within the cooldown.
type ResponseAlerter struct {
	webhookURL string
	authHeader string
	minStatus  int
	cooldown   time.Duration
	client     *http.Client
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewResponseAlerter(webhookURL, authHeader string, minStatus, cooldownMinutes int) *ResponseAlerter {
	if minStatus < 100 {
		minStatus = 500
	}
	if cooldownMinutes < 0 {
		cooldownMinutes = 0
	}

	return &ResponseAlerter{
		webhookURL: strings.TrimSpace(webhookURL),
		authHeader: strings.TrimSpace(authHeader),
		minStatus:  minStatus,
		cooldown:   time.Duration(cooldownMinutes) * time.Minute,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (a *ResponseAlerter) enabled() bool {
	return a != nil && a.webhookURL != ""
}

// Notify reports whether a webhook was delivered.
func (a *ResponseAlerter) Notify(ctx context.Context, alert ResponseAlert) (bool, error) {
	if !a.enabled() || alert.StatusCode < a.minStatus {
		return false, nil
	}

	key := alert.AppCode + "|" + alert.Host + "|" + alert.Path
	now := a.now()
	a.mu.Lock()
	lastSentAt, seen := a.lastSent[key]
	if seen && a.cooldown > 0 && now.Sub(lastSentAt) < a.cooldown {
		a.mu.Unlock()
		return false, nil
	}
	a.lastSent[key] = now
	a.mu.Unlock()

	payload := map[string]any{
		"event":  "server_response_error",
		"sentAt": now.UTC().Format(time.RFC3339),
		"app":    alert.AppCode,
		"response": map[string]any{
			"id":         alert.ResponseID,
			"requestId":  alert.RequestID,
			"sessionId":  alert.SessionID,
			"method":     alert.Method,
			"host":       alert.Host,
			"path":       alert.Path,
			"statusCode": alert.StatusCode,
			"reason":     alert.Reason,
		},
	}

	if err := a.post(ctx, payload); err != nil {
		a.mu.Lock()
		if a.lastSent[key].Equal(now) {
			if seen {
				a.lastSent[key] = lastSentAt
			} else {
				delete(a.lastSent, key)
			}
		}
		a.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (a *ResponseAlerter) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if a.authHeader != "" {
		request.Header.Set("Authorization", a.authHeader)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}
	return nil
}
