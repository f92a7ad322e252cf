package omniclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jesteria/omnispective/internal/queue"
)

// anonymousSessionKey groups requests that carry no session cookie and
// whose response did not set one.
const anonymousSessionKey = "anonymous"

type Option func(*Middleware)

// WithProducer sets the queue used when Settings.UseQueue is on.
func WithProducer(producer queue.Producer) Option {
	return func(m *Middleware) { m.producer = producer }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Middleware) { m.logger = logger }
}

// WithClient replaces the client built from the settings.
func WithClient(client *Client) Option {
	return func(m *Middleware) { m.client = client }
}

// NewRedisProducer connects the capture queue producer used by the worker.
func NewRedisProducer(addr, queueName string, logger zerolog.Logger) (queue.Producer, error) {
	return queue.NewRedisProducer(addr, queueName, logger)
}

// Middleware records every request/response cycle of the wrapped handler
// and submits exactly one request capture and one response capture for it.
type Middleware struct {
	settings     Settings
	client       *Client
	producer     queue.Producer
	logger       zerolog.Logger
	newCaptureID func() string
	now          func() time.Time
}

func NewMiddleware(settings Settings, opts ...Option) (*Middleware, error) {
	m := &Middleware{
		settings:     settings,
		logger:       zerolog.Nop(),
		newCaptureID: uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}

	if strings.TrimSpace(settings.AppCode) == "" {
		return nil, fmt.Errorf("%w: missing AppCode", ErrConfiguration)
	}
	if strings.TrimSpace(m.settings.SessionCookie) == "" {
		m.settings.SessionCookie = defaultSessionCookie
	}
	if settings.UseQueue {
		if m.producer == nil {
			return nil, fmt.Errorf("%w: UseQueue requires a queue producer", ErrConfiguration)
		}
		return m, nil
	}
	if m.client == nil {
		client, err := NewClient(settings)
		if err != nil {
			return nil, err
		}
		m.client = client
	}
	return m, nil
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawRequest, err := httputil.DumpRequest(r, true)
		if err != nil {
			m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("capture request dump failed")
			next.ServeHTTP(w, r)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		rawResponse, err := recorder.dump(r)
		if err != nil {
			m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("capture response dump failed")
			return
		}

		requestCapture, responseCapture := m.buildCaptures(r, recorder, string(rawRequest), string(rawResponse))
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), m.timeout())
		defer cancel()
		if err := m.dispatch(ctx, requestCapture, responseCapture); err != nil {
			m.logger.Error().Err(err).Str("capture_id", requestCapture.CaptureID).Msg("capture dispatch failed")
		}
	})
}

func (m *Middleware) buildCaptures(r *http.Request, recorder *responseRecorder, rawRequest, rawResponse string) (RequestCapture, ResponseCapture) {
	captureID := m.newCaptureID()
	requestKey := sessionFromRequest(r, m.settings.SessionCookie)
	responseKey := sessionFromResponse(recorder.Header(), m.settings.SessionCookie)

	sessionKey := requestKey
	if sessionKey == "" {
		sessionKey = responseKey
	}
	if sessionKey == "" {
		sessionKey = anonymousSessionKey
	}

	fullPath := fullURL(r)
	if m.settings.RedactSensitive {
		rawRequest = RedactRaw(rawRequest)
		rawResponse = RedactRaw(rawResponse)
		fullPath = RedactURL(fullPath)
	}

	requestCapture := RequestCapture{
		Session:    SessionRef{Key: sessionKey, App: m.settings.AppCode},
		CaptureID:  captureID,
		RemoteAddr: remoteHost(r.RemoteAddr),
		Content:    rawRequest,
		FullPath:   fullPath,
	}
	responseCapture := ResponseCapture{CaptureID: captureID, Content: rawResponse}
	if responseKey != "" && responseKey != sessionKey {
		responseCapture.Session = &SessionRef{Key: responseKey, App: m.settings.AppCode}
	}
	return requestCapture, responseCapture
}

// dispatch makes exactly one attempt for each capture. The request capture
// goes first so the response can usually be linked by capture id, but a
// failed request attempt does not suppress the response attempt.
func (m *Middleware) dispatch(ctx context.Context, request RequestCapture, response ResponseCapture) error {
	if !m.settings.UseQueue {
		return errors.Join(
			m.client.PostRequest(ctx, request),
			m.client.PostResponse(ctx, response),
		)
	}

	now := m.now()
	return errors.Join(
		m.enqueue(ctx, queue.KindClientRequest, request.CaptureID, request, now),
		m.enqueue(ctx, queue.KindServerResponse, response.CaptureID, response, now),
	)
}

func (m *Middleware) enqueue(ctx context.Context, kind queue.CaptureKind, captureID string, capture any, now time.Time) error {
	payload, err := json.Marshal(capture)
	if err != nil {
		return fmt.Errorf("encode %s capture: %w", kind, err)
	}
	return m.producer.EnqueueCapture(ctx, queue.CaptureJob{
		Kind:       kind,
		CaptureID:  captureID,
		Payload:    payload,
		EnqueuedAt: now,
	})
}

func (m *Middleware) timeout() time.Duration {
	if m.settings.Timeout > 0 {
		return m.settings.Timeout
	}
	return defaultTimeout
}

func sessionFromRequest(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func sessionFromResponse(header http.Header, cookieName string) string {
	response := http.Response{Header: header}
	for _, cookie := range response.Cookies() {
		if cookie.Name == cookieName && cookie.MaxAge >= 0 {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

func fullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = strings.ToLower(forwarded)
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// responseRecorder passes the response through to the client while keeping
// a copy of the status and body.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *responseRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	rec.body.Write(p)
	return rec.ResponseWriter.Write(p)
}

func (rec *responseRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rec *responseRecorder) dump(r *http.Request) ([]byte, error) {
	response := &http.Response{
		StatusCode:    rec.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.Header().Clone(),
		Body:          io.NopCloser(bytes.NewReader(rec.body.Bytes())),
		ContentLength: int64(rec.body.Len()),
		Request:       r,
	}
	return httputil.DumpResponse(response, true)
}
