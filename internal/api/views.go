package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/params"
	"github.com/jesteria/omnispective/internal/store"
)

const apiPrefix = "/api/"

func resourceURI(model string, id int64) string {
	return apiPrefix + model + "/" + strconv.FormatInt(id, 10) + "/"
}

func optionalURI(model string, id *int64) *string {
	if id == nil {
		return nil
	}
	uri := resourceURI(model, *id)
	return &uri
}

// idFromURI accepts "/api/<model>/<id>/" (with or without the trailing
// slash or a scheme and host) and returns the id.
func idFromURI(model, value string) (int64, bool) {
	if parsed, err := url.Parse(value); err == nil && parsed.Path != "" {
		value = parsed.Path
	}
	rest, found := strings.CutPrefix(value, apiPrefix+model+"/")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(rest, "/"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type listMeta struct {
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
	TotalCount int     `json:"total_count"`
	Next       *string `json:"next"`
	Previous   *string `json:"previous"`
}

type listResponse[T any] struct {
	Meta    listMeta `json:"meta"`
	Objects []T      `json:"objects"`
}

// parsePage reads limit and offset from the query string. Out of range
// values are clamped rather than rejected.
func parsePage(r *http.Request) (capture.Page, error) {
	query := r.URL.Query()
	page := capture.Page{}
	for name, target := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return capture.Page{}, capture.Invalid(fmt.Sprintf("invalid %s", name))
		}
		*target = value
	}
	return store.NormalizePage(page), nil
}

func newListResponse[T any](r *http.Request, page capture.Page, total int, objects []T) listResponse[T] {
	if objects == nil {
		objects = []T{}
	}

	meta := listMeta{Limit: page.Limit, Offset: page.Offset, TotalCount: total}
	if page.Offset+page.Limit < total {
		next := pageURL(r, page.Limit, page.Offset+page.Limit)
		meta.Next = &next
	}
	if page.Offset > 0 {
		previous := pageURL(r, page.Limit, max(page.Offset-page.Limit, 0))
		meta.Previous = &previous
	}
	return listResponse[T]{Meta: meta, Objects: objects}
}

func pageURL(r *http.Request, limit, offset int) string {
	query := r.URL.Query()
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	return r.URL.Path + "?" + query.Encode()
}

type appView struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	ResourceURI string    `json:"resource_uri"`
}

func newAppView(app capture.App) appView {
	return appView{
		ID:          app.ID,
		Code:        app.Code,
		Name:        app.Name,
		Created:     app.Created,
		Modified:    app.Modified,
		ResourceURI: resourceURI(auth.ModelApp, app.ID),
	}
}

type clientView struct {
	ID          int64     `json:"id"`
	App         string    `json:"app"`
	Username    string    `json:"username"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	ResourceURI string    `json:"resource_uri"`
}

func newClientView(client capture.Client) clientView {
	return clientView{
		ID:          client.ID,
		App:         resourceURI(auth.ModelApp, client.AppID),
		Username:    client.Username,
		Created:     client.Created,
		Modified:    client.Modified,
		ResourceURI: resourceURI(auth.ModelClient, client.ID),
	}
}

type sessionView struct {
	ID             int64     `json:"id"`
	Key            string    `json:"key"`
	App            string    `json:"app"`
	Client         *string   `json:"client"`
	LinkedSessions []string  `json:"linked_sessions"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
	ResourceURI    string    `json:"resource_uri"`
}

func newSessionView(session capture.ClientSession) sessionView {
	linked := make([]string, 0, len(session.LinkedSessionIDs))
	for _, id := range session.LinkedSessionIDs {
		linked = append(linked, resourceURI(auth.ModelClientSession, id))
	}
	return sessionView{
		ID:             session.ID,
		Key:            session.Key,
		App:            resourceURI(auth.ModelApp, session.AppID),
		Client:         optionalURI(auth.ModelClient, session.ClientID),
		LinkedSessions: linked,
		Created:        session.Created,
		Modified:       session.Modified,
		ResourceURI:    resourceURI(auth.ModelClientSession, session.ID),
	}
}

type requestView struct {
	ID              int64         `json:"id"`
	Session         string        `json:"session"`
	CaptureID       string        `json:"capture_id"`
	RemoteAddr      string        `json:"remote_addr"`
	Content         string        `json:"content"`
	FullPath        string        `json:"full_path"`
	Method          string        `json:"method"`
	Protocol        string        `json:"protocol"`
	Host            string        `json:"host"`
	Path            string        `json:"path"`
	UserAgent       string        `json:"user_agent"`
	QueryParameters []params.Pair `json:"query_parameters"`
	FormParameters  []params.Pair `json:"form_parameters"`
	Created         time.Time     `json:"created"`
	Modified        time.Time     `json:"modified"`
	ResourceURI     string        `json:"resource_uri"`
}

func newRequestView(request capture.ClientRequest) requestView {
	query := request.QueryParameters
	if query == nil {
		query = []params.Pair{}
	}
	form := request.FormParameters
	if form == nil {
		form = []params.Pair{}
	}
	return requestView{
		ID:              request.ID,
		Session:         resourceURI(auth.ModelClientSession, request.SessionID),
		CaptureID:       request.CaptureID,
		RemoteAddr:      request.RemoteAddr,
		Content:         request.Content,
		FullPath:        request.FullPath,
		Method:          request.Method,
		Protocol:        request.Protocol,
		Host:            request.Host,
		Path:            request.Path,
		UserAgent:       request.UserAgent,
		QueryParameters: query,
		FormParameters:  form,
		Created:         request.Created,
		Modified:        request.Modified,
		ResourceURI:     resourceURI(auth.ModelClientRequest, request.ID),
	}
}

type responseView struct {
	ID          int64     `json:"id"`
	Request     string    `json:"request"`
	Session     *string   `json:"session"`
	Content     string    `json:"content"`
	StatusCode  int       `json:"status_code"`
	Reason      string    `json:"reason"`
	Body        string    `json:"body"`
	Location    *string   `json:"location"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	ResourceURI string    `json:"resource_uri"`
}

func newResponseView(response capture.ServerResponse) responseView {
	return responseView{
		ID:          response.ID,
		Request:     resourceURI(auth.ModelClientRequest, response.RequestID),
		Session:     optionalURI(auth.ModelClientSession, response.SessionID),
		Content:     response.Content,
		StatusCode:  response.StatusCode,
		Reason:      response.Reason,
		Body:        response.Body,
		Location:    response.Location,
		Created:     response.Created,
		Modified:    response.Modified,
		ResourceURI: resourceURI(auth.ModelServerResponse, response.ID),
	}
}

func mapSlice[T, V any](items []T, view func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, item := range items {
		out = append(out, view(item))
	}
	return out
}

// embeddedSession is the object form of a session reference.
type embeddedSession struct {
	Key    string `json:"key"`
	App    string `json:"app"`
	Client string `json:"client"`
}

// parseSessionRef accepts a numeric id, a resource URI, or an embedded
// {"key", "app", "client"} object.
func parseSessionRef(raw json.RawMessage) (capture.SessionRef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return capture.SessionRef{}, capture.Invalid(capture.MsgSessionInvalid)
	}

	switch raw[0] {
	case '{':
		embedded := embeddedSession{}
		if err := json.Unmarshal(raw, &embedded); err != nil {
			return capture.SessionRef{}, capture.Invalid(capture.MsgSessionInvalid)
		}
		return capture.SessionRef{
			Key:            strings.TrimSpace(embedded.Key),
			AppCode:        strings.TrimSpace(embedded.App),
			ClientUsername: strings.TrimSpace(embedded.Client),
		}, nil
	case '"':
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return capture.SessionRef{}, capture.Invalid(capture.MsgSessionInvalid)
		}
		id, ok := parseRefID(auth.ModelClientSession, value)
		if !ok {
			return capture.SessionRef{}, capture.Invalid(capture.MsgSessionInvalid)
		}
		return capture.SessionRef{ID: id}, nil
	default:
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil || id <= 0 {
			return capture.SessionRef{}, capture.Invalid(capture.MsgSessionInvalid)
		}
		return capture.SessionRef{ID: id}, nil
	}
}

// parseRequestRef accepts a numeric id or a resource URI. A blank value
// yields a zero ref so a capture id can address the request instead.
func parseRequestRef(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	if raw[0] == '"' {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return 0, capture.Invalid(capture.MsgRequestInvalid)
		}
		if strings.TrimSpace(value) == "" {
			return 0, nil
		}
		id, ok := parseRefID(auth.ModelClientRequest, value)
		if !ok {
			return 0, capture.Invalid(capture.MsgRequestInvalid)
		}
		return id, nil
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id <= 0 {
		return 0, capture.Invalid(capture.MsgRequestInvalid)
	}
	return id, nil
}

func parseRefID(model, value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		return id, id > 0
	}
	return idFromURI(model, value)
}
