package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/store"
)

const examplePost = "POST /mypath/?get=query HTTP/1.0\r\n" +
	"Host: example.com\r\n" +
	"Content-Type: application/x-www-form-urlencoded\r\n" +
	"\r\n" +
	"the=pay-load&such=%26such"

type testServer struct {
	t      *testing.T
	memory *store.Memory
	router http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()
	memory := store.NewMemory()
	opts := Options{
		Store:              memory,
		Logger:             zerolog.Nop(),
		CORSAllowedOrigins: []string{"*"},
		AdminAPIKey:        "admin-secret",
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &testServer{t: t, memory: memory, router: NewHandler(opts).Router()}
}

// user creates a credential holding the given codenames and returns its
// Authorization header value.
func (s *testServer) user(username string, permissions ...string) string {
	s.t.Helper()
	rawKey := "key-" + username
	_, err := s.memory.CreateUserWithAPIKey(context.Background(), username, permissions, rawKey)
	require.NoError(s.t, err)
	return "ApiKey " + username + ":" + rawKey
}

func (s *testServer) do(method, path, authorization string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch typed := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(typed)
	default:
		encoded, err := json.Marshal(typed)
		require.NoError(s.t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) mustCreateApp(code string) capture.App {
	s.t.Helper()
	app, err := s.memory.CreateApp(context.Background(), code, strings.ToUpper(code))
	require.NoError(s.t, err)
	return app
}

func (s *testServer) counts() (sessions, requests int) {
	s.t.Helper()
	ctx := context.Background()
	_, sessions, err := s.memory.ListSessions(ctx, capture.SessionFilter{}, capture.Page{})
	require.NoError(s.t, err)
	_, requests, err = s.memory.ListRequests(ctx, capture.RequestFilter{}, capture.Page{})
	require.NoError(s.t, err)
	return sessions, requests
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)

	rec := server.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type failingHealthStore struct {
	*store.Memory
}

func (failingHealthStore) Health(context.Context) error { return errors.New("db down") }

func TestHealthzReportsStoreFailure(t *testing.T) {
	server := newTestServer(t, func(opts *Options) {
		opts.Store = failingHealthStore{Memory: store.NewMemory()}
	})

	rec := server.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"down"}`, rec.Body.String())
}

func TestResourcesRequireCredential(t *testing.T) {
	server := newTestServer(t)
	server.user("reader")

	rec := server.do(http.MethodGet, "/api/app/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rec), "error")

	rec = server.do(http.MethodGet, "/api/app/", "ApiKey reader:wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = server.do(http.MethodGet, "/api/app/?format=json", "ApiKey reader:key-reader", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionWithUnknownAppCodeWritesNothing(t *testing.T) {
	server := newTestServer(t)
	header := server.user("ingest", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/clientsession/", header, map[string]any{
		"key": "abc",
		"app": "nope",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]string{"error": capture.MsgAppCodeInvalid}, decodeBody[map[string]string](t, rec))
	sessions, requests := server.counts()
	assert.Zero(t, sessions)
	assert.Zero(t, requests)
}

func TestCreateRequestWithoutPermissionIsRejectedBeforeWrites(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": map[string]string{"key": "abc", "app": "myapp"},
		"content": examplePost,
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	sessions, requests := server.counts()
	assert.Zero(t, sessions)
	assert.Zero(t, requests)
}

func TestCreateRequestNewSessionNeedsSessionPermission(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest")
	body := map[string]any{
		"session": map[string]string{"key": "abc", "app": "myapp"},
		"content": examplePost,
	}

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	sessions, requests := server.counts()
	assert.Zero(t, sessions)
	assert.Zero(t, requests)

	_, err := server.memory.CreateSession(context.Background(), capture.SessionRef{Key: "abc", AppCode: "myapp"}, nil)
	require.NoError(t, err)

	rec = server.do(http.MethodPost, "/api/clientrequest/", header, body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateRequestDerivesFieldsAndIgnoresSubmittedOnes(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/clientrequest/?format=json", header, map[string]any{
		"session":     map[string]string{"key": "abc", "app": "myapp"},
		"remote_addr": "127.0.0.1",
		"content":     examplePost,
		"full_path":   "http://example.com/mypath/?get=query",
		"method":      "DELETE",
		"host":        "spoofed.example",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeBody[requestView](t, rec)
	assert.Equal(t, "POST", created.Method)
	assert.Equal(t, "http", created.Protocol)
	assert.Equal(t, "example.com", created.Host)
	assert.Equal(t, "/mypath/", created.Path)
	assert.Equal(t, "/api/clientrequest/"+strconv.FormatInt(created.ID, 10)+"/", created.ResourceURI)
	assert.True(t, strings.HasPrefix(created.Session, "/api/clientsession/"))
	require.Len(t, created.QueryParameters, 1)
	assert.Equal(t, "get", created.QueryParameters[0].Key)
	require.Len(t, created.FormParameters, 2)
	assert.Equal(t, "&such", created.FormParameters[1].Value)

	rec = server.do(http.MethodGet, created.ResourceURI, header, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.FormParameters, decodeBody[requestView](t, rec).FormParameters)
}

func TestCreateRequestAcceptsSessionURI(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	session, err := server.memory.CreateSession(context.Background(), capture.SessionRef{Key: "abc", AppCode: "myapp"}, nil)
	require.NoError(t, err)
	header := server.user("ingest", "add_clientrequest")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": resourceURI("clientsession", session.ID),
		"content": "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, resourceURI("clientsession", session.ID), decodeBody[requestView](t, rec).Session)

	rec = server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": 9999,
		"content": "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRequestRederivesFields(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession", "change_clientrequest")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session":   map[string]string{"key": "abc", "app": "myapp"},
		"content":   examplePost,
		"full_path": "http://example.com/mypath/?get=query",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[requestView](t, rec)

	rec = server.do(http.MethodPut, created.ResourceURI, header, map[string]any{
		"content":   "GET /other?x=1&x=2 HTTP/1.1\r\nHost: example.org\r\nUser-Agent: probe/1.0\r\n\r\n",
		"full_path": "https://example.org/other?x=1&x=2",
		"method":    "PATCH",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decodeBody[requestView](t, rec)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.Session, updated.Session)
	assert.Equal(t, "GET", updated.Method)
	assert.Equal(t, "https", updated.Protocol)
	assert.Equal(t, "example.org", updated.Host)
	assert.Equal(t, "/other", updated.Path)
	assert.Equal(t, "probe/1.0", updated.UserAgent)
	require.Len(t, updated.QueryParameters, 2)
	assert.Equal(t, "2", updated.QueryParameters[1].Value)
	assert.Empty(t, updated.FormParameters)
}

func TestUpdateRequestNeedsChangePermission(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": map[string]string{"key": "abc", "app": "myapp"},
		"content": examplePost,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[requestView](t, rec)

	rec = server.do(http.MethodPut, created.ResourceURI, header, map[string]any{"content": "GET / HTTP/1.1\r\n\r\n"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	reloaded, err := server.memory.GetRequest(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, examplePost, reloaded.Content)
}

func TestCreateResponseByCaptureID(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession", "add_serverresponse")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session":    map[string]string{"key": "abc", "app": "myapp"},
		"capture_id": "cap-42",
		"content":    examplePost,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	request := decodeBody[requestView](t, rec)

	rec = server.do(http.MethodPost, "/api/serverresponse/", header, map[string]any{
		"capture_id": "cap-42",
		"session":    map[string]string{"key": "fresh", "app": "myapp"},
		"content":    "HTTP/1.1 302 Found\r\nLocation: /next\r\nContent-Length: 2\r\n\r\nok",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	response := decodeBody[responseView](t, rec)
	assert.Equal(t, request.ResourceURI, response.Request)
	assert.Equal(t, 302, response.StatusCode)
	assert.Equal(t, "Found", response.Reason)
	assert.Equal(t, "ok", response.Body)
	require.NotNil(t, response.Location)
	assert.Equal(t, "/next", *response.Location)
	require.NotNil(t, response.Session)
	assert.NotEqual(t, request.Session, *response.Session)

	rec = server.do(http.MethodGet, "/api/serverresponse/?request="+strconv.FormatInt(request.ID, 10), header, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[listResponse[responseView]](t, rec)
	assert.Equal(t, 1, listed.Meta.TotalCount)
}

func TestCreateResponseNeedsRequestReference(t *testing.T) {
	server := newTestServer(t)
	header := server.user("ingest", "add_serverresponse")

	rec := server.do(http.MethodPost, "/api/serverresponse/", header, map[string]any{
		"content": "HTTP/1.1 200 OK\r\n\r\n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, capture.MsgRequestInvalid, decodeBody[map[string]string](t, rec)["error"])
}

func TestDeleteRequest(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession", "delete_clientrequest")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": map[string]string{"key": "abc", "app": "myapp"},
		"content": examplePost,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[requestView](t, rec)

	rec = server.do(http.MethodDelete, created.ResourceURI, header, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = server.do(http.MethodGet, created.ResourceURI, header, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppDetailByCodeOrID(t *testing.T) {
	server := newTestServer(t)
	app := server.mustCreateApp("myapp")
	header := server.user("reader")

	for _, ref := range []string{"myapp", strconv.FormatInt(app.ID, 10)} {
		rec := server.do(http.MethodGet, "/api/app/"+ref+"/", header, nil)
		require.Equal(t, http.StatusOK, rec.Code, ref)
		view := decodeBody[appView](t, rec)
		assert.Equal(t, "myapp", view.Code)
		assert.Equal(t, resourceURI("app", app.ID), view.ResourceURI)
	}

	rec := server.do(http.MethodGet, "/api/app/missing/", header, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAndDeleteApp(t *testing.T) {
	server := newTestServer(t)
	header := server.user("admin", "add_app", "delete_app")

	rec := server.do(http.MethodPost, "/api/app/", header, map[string]string{"code": "Not A Slug", "name": "Bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(http.MethodPost, "/api/app/", header, map[string]string{"code": "shop", "name": "Shop"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = server.do(http.MethodPost, "/api/app/", header, map[string]string{"code": "shop", "name": "Shop again"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(http.MethodDelete, "/api/app/shop/", header, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = server.do(http.MethodGet, "/api/app/shop/", header, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateClientAndSessionWithLinks(t *testing.T) {
	server := newTestServer(t)
	app := server.mustCreateApp("myapp")
	header := server.user("ingest", "add_client", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/client/", header, map[string]string{"app": "myapp", "username": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	client := decodeBody[clientView](t, rec)
	assert.Equal(t, resourceURI("app", app.ID), client.App)

	rec = server.do(http.MethodPost, "/api/clientsession/", header, map[string]any{"key": "first", "app": "myapp"})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeBody[sessionView](t, rec)
	assert.Nil(t, first.Client)

	rec = server.do(http.MethodPost, "/api/clientsession/", header, map[string]any{
		"key":             "second",
		"app":             "myapp",
		"client":          "alice",
		"linked_sessions": []any{first.ResourceURI},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[sessionView](t, rec)
	require.NotNil(t, second.Client)
	assert.Equal(t, client.ResourceURI, *second.Client)
	assert.Equal(t, []string{first.ResourceURI}, second.LinkedSessions)

	rec = server.do(http.MethodPost, "/api/clientsession/", header, map[string]any{
		"key":             "third",
		"app":             "myapp",
		"linked_sessions": []any{9999},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, capture.MsgLinkedSessionFound, decodeBody[map[string]string](t, rec)["error"])
}

func TestListPaginationMeta(t *testing.T) {
	server := newTestServer(t)
	for _, code := range []string{"one", "two", "three"} {
		server.mustCreateApp(code)
	}
	header := server.user("reader")

	rec := server.do(http.MethodGet, "/api/app/?limit=2&format=json", header, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[listResponse[appView]](t, rec)
	assert.Equal(t, 2, first.Meta.Limit)
	assert.Equal(t, 0, first.Meta.Offset)
	assert.Equal(t, 3, first.Meta.TotalCount)
	assert.Len(t, first.Objects, 2)
	require.NotNil(t, first.Meta.Next)
	assert.Equal(t, "/api/app/?format=json&limit=2&offset=2", *first.Meta.Next)
	assert.Nil(t, first.Meta.Previous)

	rec = server.do(http.MethodGet, *first.Meta.Next, header, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[listResponse[appView]](t, rec)
	assert.Len(t, second.Objects, 1)
	assert.Nil(t, second.Meta.Next)
	require.NotNil(t, second.Meta.Previous)
	assert.Equal(t, "/api/app/?format=json&limit=2&offset=0", *second.Meta.Previous)

	rec = server.do(http.MethodGet, "/api/app/?limit=abc", header, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptyListRendersEmptyObjects(t *testing.T) {
	server := newTestServer(t)
	header := server.user("reader")

	rec := server.do(http.MethodGet, "/api/clientrequest/", header, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"objects":[]`)
	assert.Contains(t, rec.Body.String(), `"limit":20`)
}

func TestInvalidPayload(t *testing.T) {
	server := newTestServer(t)
	header := server.user("ingest", "add_clientrequest")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid payload"}`, rec.Body.String())
}

func TestMetricsEndpointExposesCaptureCounters(t *testing.T) {
	server := newTestServer(t)
	server.mustCreateApp("myapp")
	header := server.user("ingest", "add_clientrequest", "add_clientsession")

	rec := server.do(http.MethodPost, "/api/clientrequest/", header, map[string]any{
		"session": map[string]string{"key": "abc", "app": "myapp"},
		"content": examplePost,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = server.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `omnispective_captures_total{resource="clientrequest"} 1`)
}
