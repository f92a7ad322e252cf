package omniclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jesteria/omnispective/internal/queue"
)

const (
	ResourceClientRequest  = string(queue.KindClientRequest)
	ResourceServerResponse = string(queue.KindServerResponse)
)

// ErrConfiguration is returned for settings that cannot work, such as
// queued delivery without a producer.
var ErrConfiguration = errors.New("omniclient: invalid configuration")

// StatusError is returned for a non-2xx answer from the server.
type StatusError struct {
	Resource   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("omniclient: post %s: status=%d body=%s", e.Resource, e.StatusCode, e.Body)
}

// SessionRef is the embedded session object of a submission, resolved
// get-or-create by app and key on the server.
type SessionRef struct {
	Key    string `json:"key"`
	App    string `json:"app"`
	Client string `json:"client,omitempty"`
}

type RequestCapture struct {
	Session    SessionRef `json:"session"`
	CaptureID  string     `json:"capture_id,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	Content    string     `json:"content"`
	FullPath   string     `json:"full_path,omitempty"`
}

// ResponseCapture links to its request through CaptureID. Session is set
// only when the response originated a session of its own.
type ResponseCapture struct {
	CaptureID string      `json:"capture_id"`
	Session   *SessionRef `json:"session,omitempty"`
	Content   string      `json:"content"`
}

type Client struct {
	settings   Settings
	httpClient *http.Client
}

func NewClient(settings Settings) (*Client, error) {
	if err := settings.validateServer(); err != nil {
		return nil, err
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// URL returns the collection endpoint of resource.
func (c *Client) URL(resource string) string {
	scheme := "https"
	if !c.settings.Secure() {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/api/%s/?format=json", scheme, strings.TrimSuffix(c.settings.Host, "/"), resource)
}

func (c *Client) PostRequest(ctx context.Context, capture RequestCapture) error {
	payload, err := json.Marshal(capture)
	if err != nil {
		return err
	}
	return c.PostRaw(ctx, ResourceClientRequest, payload)
}

func (c *Client) PostResponse(ctx context.Context, capture ResponseCapture) error {
	payload, err := json.Marshal(capture)
	if err != nil {
		return err
	}
	return c.PostRaw(ctx, ResourceServerResponse, payload)
}

// PostRaw submits an already encoded body. There is no retry.
func (c *Client) PostRaw(ctx context.Context, resource string, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(resource), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "ApiKey "+c.settings.Username+":"+c.settings.APIKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("omniclient: post %s: %w", resource, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &StatusError{Resource: resource, StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// Forward posts a queued capture job to the resource it names. It has the
// shape of a queue handler so a worker can consume the capture queue with
// it directly.
func (c *Client) Forward(ctx context.Context, job queue.CaptureJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return c.PostRaw(ctx, string(job.Kind), job.Payload)
}
