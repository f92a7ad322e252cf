package omniclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesteria/omnispective/internal/queue"
)

type recordedPost struct {
	Path          string
	RawQuery      string
	Authorization string
	ContentType   string
	Body          map[string]any
}

type fakeServer struct {
	mu     sync.Mutex
	posts  []recordedPost
	status int
	// statusByPath overrides status for single endpoints.
	statusByPath map[string]int
	server       *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fake := &fakeServer{status: http.StatusCreated}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(raw, &body)

		fake.mu.Lock()
		fake.posts = append(fake.posts, recordedPost{
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          body,
		})
		status := fake.status
		if override, ok := fake.statusByPath[r.URL.Path]; ok {
			status = override
		}
		fake.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeServer) settings() Settings {
	return DefaultSettings().Merge(Settings{
		Host:         strings.TrimPrefix(f.server.URL, "http://"),
		HostIsSecure: boolPtr(false),
		Username:     "ingest",
		APIKey:       "secret",
		AppCode:      "myapp",
	})
}

func (f *fakeServer) recorded() []recordedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPost{}, f.posts...)
}

func TestClientURL(t *testing.T) {
	client, err := NewClient(DefaultSettings().Merge(Settings{Host: "omni.example.com/", Username: "u", APIKey: "k"}))
	require.NoError(t, err)
	assert.Equal(t, "https://omni.example.com/api/clientrequest/?format=json", client.URL(ResourceClientRequest))

	client, err = NewClient(DefaultSettings().Merge(Settings{Host: "localhost:8080", HostIsSecure: boolPtr(false), Username: "u", APIKey: "k"}))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/serverresponse/?format=json", client.URL(ResourceServerResponse))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(DefaultSettings().Merge(Settings{Host: "omni.example.com"}))
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "Username")
	assert.Contains(t, err.Error(), "APIKey")
}

func TestPostRequestSendsCredentialAndJSON(t *testing.T) {
	fake := newFakeServer(t)
	client, err := NewClient(fake.settings())
	require.NoError(t, err)

	err = client.PostRequest(context.Background(), RequestCapture{
		Session:   SessionRef{Key: "abc", App: "myapp"},
		CaptureID: "cap-1",
		Content:   "GET / HTTP/1.1\r\n\r\n",
	})
	require.NoError(t, err)

	posts := fake.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "/api/clientrequest/", posts[0].Path)
	assert.Equal(t, "format=json", posts[0].RawQuery)
	assert.Equal(t, "ApiKey ingest:secret", posts[0].Authorization)
	assert.Equal(t, "application/json", posts[0].ContentType)
	assert.Equal(t, map[string]any{"key": "abc", "app": "myapp"}, posts[0].Body["session"])
	assert.Equal(t, "cap-1", posts[0].Body["capture_id"])
}

func TestPostReturnsStatusErrorWithoutRetry(t *testing.T) {
	fake := newFakeServer(t)
	fake.status = http.StatusUnauthorized
	client, err := NewClient(fake.settings())
	require.NoError(t, err)

	err = client.PostResponse(context.Background(), ResponseCapture{CaptureID: "cap-1", Content: "HTTP/1.1 200 OK\r\n\r\n"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, ResourceServerResponse, statusErr.Resource)
	assert.Equal(t, `{"error":"nope"}`, statusErr.Body)
	assert.Len(t, fake.recorded(), 1)
}

func TestForwardPostsJobToItsResource(t *testing.T) {
	fake := newFakeServer(t)
	client, err := NewClient(fake.settings())
	require.NoError(t, err)

	err = client.Forward(context.Background(), queue.CaptureJob{
		Kind:       queue.KindServerResponse,
		CaptureID:  "cap-9",
		Payload:    json.RawMessage(`{"capture_id":"cap-9","content":"HTTP/1.1 204 No Content\r\n\r\n"}`),
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)

	posts := fake.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "/api/serverresponse/", posts[0].Path)
	assert.Equal(t, "cap-9", posts[0].Body["capture_id"])

	err = client.Forward(context.Background(), queue.CaptureJob{Kind: "bogus", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
	assert.Len(t, fake.recorded(), 1)
}
