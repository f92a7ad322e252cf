package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/params"
)

// Memory is an in-process Store. It is used by tests and by single-node
// deployments that do not need durability.
type Memory struct {
	mu sync.RWMutex

	nextID int64
	now    func() time.Time

	users       map[string]*memoryUser
	apps        map[int64]capture.App
	clients     map[int64]capture.Client
	sessions    map[int64]capture.ClientSession
	requests    map[int64]capture.ClientRequest
	responses   map[int64]capture.ServerResponse
	queryParams map[int64][]params.Pair
	formParams  map[int64][]params.Pair
}

type memoryUser struct {
	user    User
	keyHash string
}

func NewMemory() *Memory {
	return &Memory{
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]*memoryUser),
		apps:        make(map[int64]capture.App),
		clients:     make(map[int64]capture.Client),
		sessions:    make(map[int64]capture.ClientSession),
		requests:    make(map[int64]capture.ClientRequest),
		responses:   make(map[int64]capture.ServerResponse),
		queryParams: make(map[int64][]params.Pair),
		formParams:  make(map[int64][]params.Pair),
	}
}

func (m *Memory) Health(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) CreateUserWithAPIKey(_ context.Context, username string, permissions []string, rawKey string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; exists {
		return User{}, capture.Invalid("username already exists")
	}
	user := User{
		ID:          m.id(),
		Username:    username,
		Permissions: normalizePermissions(permissions),
		Created:     m.now(),
	}
	m.users[username] = &memoryUser{user: user, keyHash: auth.HashKey(rawKey)}
	return user, nil
}

func (m *Memory) SetPermissions(_ context.Context, username string, permissions []string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.users[username]
	if !ok {
		return User{}, capture.ErrNotFound
	}
	entry.user.Permissions = normalizePermissions(permissions)
	return entry.user, nil
}

func (m *Memory) Authenticate(_ context.Context, username, rawKey string) (auth.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.users[username]
	if !ok || entry.keyHash != auth.HashKey(rawKey) {
		return auth.Principal{}, auth.ErrAuthentication
	}

	principal := auth.Principal{
		UserID:      entry.user.ID,
		Username:    username,
		Permissions: make(map[string]bool, len(entry.user.Permissions)),
	}
	for _, codename := range entry.user.Permissions {
		principal.Permissions[codename] = true
	}
	return principal, nil
}

func (m *Memory) ListApps(_ context.Context, page capture.Page) ([]capture.App, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	apps := make([]capture.App, 0, len(m.apps))
	for _, app := range m.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	window, total := paginate(apps, page)
	return window, total, nil
}

func (m *Memory) GetApp(_ context.Context, ref string) (capture.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if app, ok := m.appByCode(ref); ok {
		return app, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return capture.App{}, capture.ErrNotFound
	}
	app, ok := m.apps[id]
	if !ok {
		return capture.App{}, capture.ErrNotFound
	}
	return app, nil
}

func (m *Memory) GetAppByID(_ context.Context, id int64) (capture.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.apps[id]
	if !ok {
		return capture.App{}, capture.ErrNotFound
	}
	return app, nil
}

func (m *Memory) appByCode(code string) (capture.App, bool) {
	for _, app := range m.apps {
		if app.Code == code {
			return app, true
		}
	}
	return capture.App{}, false
}

func (m *Memory) CreateApp(_ context.Context, code, name string) (capture.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.appByCode(code); exists {
		return capture.App{}, capture.Invalid("app code already exists")
	}
	now := m.now()
	app := capture.App{ID: m.id(), Code: code, Name: name, Created: now, Modified: now}
	m.apps[app.ID] = app
	return app, nil
}

func (m *Memory) DeleteApp(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[id]; !ok {
		return capture.ErrNotFound
	}
	delete(m.apps, id)
	for clientID, client := range m.clients {
		if client.AppID == id {
			delete(m.clients, clientID)
		}
	}
	for sessionID, session := range m.sessions {
		if session.AppID == id {
			m.deleteSessionLocked(sessionID)
		}
	}
	return nil
}

func (m *Memory) ListClients(_ context.Context, appCode string, page capture.Page) ([]capture.Client, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var appID int64
	if appCode != "" {
		app, ok := m.appByCode(appCode)
		if !ok {
			return []capture.Client{}, 0, nil
		}
		appID = app.ID
	}

	clients := make([]capture.Client, 0, len(m.clients))
	for _, client := range m.clients {
		if appID == 0 || client.AppID == appID {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	window, total := paginate(clients, page)
	return window, total, nil
}

func (m *Memory) GetClient(_ context.Context, id int64) (capture.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[id]
	if !ok {
		return capture.Client{}, capture.ErrNotFound
	}
	return client, nil
}

func (m *Memory) CreateClient(_ context.Context, appCode, username string) (capture.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, err := m.lookupAppLocked(appCode)
	if err != nil {
		return capture.Client{}, err
	}
	for _, client := range m.clients {
		if client.AppID == app.ID && client.Username == username {
			return capture.Client{}, capture.Invalid("client username already exists for app")
		}
	}
	return m.insertClientLocked(app.ID, username), nil
}

func (m *Memory) insertClientLocked(appID int64, username string) capture.Client {
	now := m.now()
	client := capture.Client{ID: m.id(), AppID: appID, Username: username, Created: now, Modified: now}
	m.clients[client.ID] = client
	return client
}

func (m *Memory) DeleteClient(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return capture.ErrNotFound
	}
	delete(m.clients, id)
	for sessionID, session := range m.sessions {
		if session.ClientID != nil && *session.ClientID == id {
			session.ClientID = nil
			m.sessions[sessionID] = session
		}
	}
	return nil
}

func (m *Memory) ListSessions(_ context.Context, filter capture.SessionFilter, page capture.Page) ([]capture.ClientSession, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var appID int64
	if filter.AppCode != "" {
		app, ok := m.appByCode(filter.AppCode)
		if !ok {
			return []capture.ClientSession{}, 0, nil
		}
		appID = app.ID
	}

	sessions := make([]capture.ClientSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		if appID == 0 || session.AppID == appID {
			sessions = append(sessions, cloneSession(session))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	window, total := paginate(sessions, page)
	return window, total, nil
}

func (m *Memory) GetSession(_ context.Context, id int64) (capture.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return capture.ClientSession{}, capture.ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *Memory) CreateSession(_ context.Context, ref capture.SessionRef, linkedSessionIDs []int64) (capture.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(ref.Key) == "" {
		return capture.ClientSession{}, capture.Invalid(capture.MsgSessionInvalid)
	}
	app, err := m.lookupAppLocked(ref.AppCode)
	if err != nil {
		return capture.ClientSession{}, err
	}
	if _, exists := m.sessionByKeyLocked(app.ID, ref.Key); exists {
		return capture.ClientSession{}, capture.Invalid("session key already exists for app")
	}

	linked := make([]int64, 0, len(linkedSessionIDs))
	for _, linkedID := range linkedSessionIDs {
		if _, ok := m.sessions[linkedID]; !ok {
			return capture.ClientSession{}, capture.Invalid(capture.MsgLinkedSessionFound)
		}
		linked = append(linked, linkedID)
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i] < linked[j] })

	session := m.insertSessionLocked(app.ID, ref)
	session.LinkedSessionIDs = linked
	m.sessions[session.ID] = session
	return cloneSession(session), nil
}

func (m *Memory) insertSessionLocked(appID int64, ref capture.SessionRef) capture.ClientSession {
	now := m.now()
	session := capture.ClientSession{
		ID:               m.id(),
		Key:              ref.Key,
		AppID:            appID,
		LinkedSessionIDs: []int64{},
		Created:          now,
		Modified:         now,
	}
	if username := strings.TrimSpace(ref.ClientUsername); username != "" {
		client, ok := m.clientByUsernameLocked(appID, username)
		if !ok {
			client = m.insertClientLocked(appID, username)
		}
		clientID := client.ID
		session.ClientID = &clientID
	}
	m.sessions[session.ID] = session
	return session
}

func (m *Memory) sessionByKeyLocked(appID int64, key string) (capture.ClientSession, bool) {
	for _, session := range m.sessions {
		if session.AppID == appID && session.Key == key {
			return session, true
		}
	}
	return capture.ClientSession{}, false
}

func (m *Memory) clientByUsernameLocked(appID int64, username string) (capture.Client, bool) {
	for _, client := range m.clients {
		if client.AppID == appID && client.Username == username {
			return client, true
		}
	}
	return capture.Client{}, false
}

func (m *Memory) DeleteSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return capture.ErrNotFound
	}
	m.deleteSessionLocked(id)
	return nil
}

func (m *Memory) deleteSessionLocked(id int64) {
	delete(m.sessions, id)
	for requestID, request := range m.requests {
		if request.SessionID == id {
			m.deleteRequestLocked(requestID)
		}
	}
	for responseID, response := range m.responses {
		if response.SessionID != nil && *response.SessionID == id {
			response.SessionID = nil
			m.responses[responseID] = response
		}
	}
	for sessionID, session := range m.sessions {
		kept := session.LinkedSessionIDs[:0:0]
		for _, linkedID := range session.LinkedSessionIDs {
			if linkedID != id {
				kept = append(kept, linkedID)
			}
		}
		session.LinkedSessionIDs = kept
		m.sessions[sessionID] = session
	}
}

func (m *Memory) ListRequests(_ context.Context, filter capture.RequestFilter, page capture.Page) ([]capture.ClientRequest, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make([]capture.ClientRequest, 0, len(m.requests))
	for _, request := range m.requests {
		if filter.SessionID != 0 && request.SessionID != filter.SessionID {
			continue
		}
		if filter.Host != "" && request.Host != filter.Host {
			continue
		}
		requests = append(requests, m.withParametersLocked(request))
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].Created.Equal(requests[j].Created) {
			return requests[i].ID > requests[j].ID
		}
		return requests[i].Created.After(requests[j].Created)
	})
	window, total := paginate(requests, page)
	return window, total, nil
}

func (m *Memory) GetRequest(_ context.Context, id int64) (capture.ClientRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	request, ok := m.requests[id]
	if !ok {
		return capture.ClientRequest{}, capture.ErrNotFound
	}
	return m.withParametersLocked(request), nil
}

func (m *Memory) withParametersLocked(request capture.ClientRequest) capture.ClientRequest {
	request.QueryParameters = append([]params.Pair{}, m.queryParams[request.ID]...)
	request.FormParameters = append([]params.Pair{}, m.formParams[request.ID]...)
	return request
}

func (m *Memory) InsertRequest(
	_ context.Context,
	request capture.ClientRequest,
	session capture.SessionRef,
	allowSessionCreate bool,
) (capture.ClientRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request.CaptureID != "" {
		for _, existing := range m.requests {
			if existing.CaptureID == request.CaptureID {
				return capture.ClientRequest{}, capture.Invalid("capture id already recorded")
			}
		}
	}

	sessionID, err := m.resolveSessionLocked(session, allowSessionCreate)
	if err != nil {
		return capture.ClientRequest{}, err
	}

	now := m.now()
	request.ID = m.id()
	request.SessionID = sessionID
	request.Created = now
	request.Modified = now
	request.QueryParameters = nil
	request.FormParameters = nil
	m.requests[request.ID] = request
	return m.withParametersLocked(request), nil
}

func (m *Memory) UpdateRequest(_ context.Context, request capture.ClientRequest) (capture.ClientRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.requests[request.ID]
	if !ok {
		return capture.ClientRequest{}, capture.ErrNotFound
	}
	existing.RemoteAddr = request.RemoteAddr
	existing.Content = request.Content
	existing.FullPath = request.FullPath
	existing.Method = request.Method
	existing.Protocol = request.Protocol
	existing.Host = request.Host
	existing.Path = request.Path
	existing.UserAgent = request.UserAgent
	existing.Modified = m.now()
	m.requests[existing.ID] = existing
	return m.withParametersLocked(existing), nil
}

func (m *Memory) ReplaceParameters(_ context.Context, requestID int64, query, form []params.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[requestID]; !ok {
		return capture.ErrNotFound
	}
	m.queryParams[requestID] = append([]params.Pair{}, query...)
	m.formParams[requestID] = append([]params.Pair{}, form...)
	return nil
}

func (m *Memory) DeleteRequest(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[id]; !ok {
		return capture.ErrNotFound
	}
	m.deleteRequestLocked(id)
	return nil
}

func (m *Memory) deleteRequestLocked(id int64) []int64 {
	delete(m.requests, id)
	delete(m.queryParams, id)
	delete(m.formParams, id)

	responseIDs := []int64{}
	for responseID, response := range m.responses {
		if response.RequestID == id {
			delete(m.responses, responseID)
			responseIDs = append(responseIDs, responseID)
		}
	}
	return responseIDs
}

func (m *Memory) DeleteRequestsBefore(_ context.Context, cutoff time.Time) (RetentionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := RetentionResult{DeletedRequestIDs: []int64{}, DeletedResponseIDs: []int64{}}
	for id, request := range m.requests {
		if !request.Created.Before(cutoff) {
			continue
		}
		result.DeletedResponseIDs = append(result.DeletedResponseIDs, m.deleteRequestLocked(id)...)
		result.DeletedRequestIDs = append(result.DeletedRequestIDs, id)
	}
	sort.Slice(result.DeletedRequestIDs, func(i, j int) bool { return result.DeletedRequestIDs[i] < result.DeletedRequestIDs[j] })
	result.DeletedRequests = len(result.DeletedRequestIDs)
	return result, nil
}

func (m *Memory) ListResponses(_ context.Context, filter ResponseFilter, page capture.Page) ([]capture.ServerResponse, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	responses := make([]capture.ServerResponse, 0, len(m.responses))
	for _, response := range m.responses {
		if filter.RequestID != 0 && response.RequestID != filter.RequestID {
			continue
		}
		responses = append(responses, response)
	}
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].Created.Equal(responses[j].Created) {
			return responses[i].ID > responses[j].ID
		}
		return responses[i].Created.After(responses[j].Created)
	})
	window, total := paginate(responses, page)
	return window, total, nil
}

func (m *Memory) GetResponse(_ context.Context, id int64) (capture.ServerResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	response, ok := m.responses[id]
	if !ok {
		return capture.ServerResponse{}, capture.ErrNotFound
	}
	return response, nil
}

func (m *Memory) InsertResponse(
	_ context.Context,
	response capture.ServerResponse,
	request capture.RequestRef,
	session *capture.SessionRef,
	allowSessionCreate bool,
) (capture.ServerResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requestID, ok := m.resolveRequestLocked(request)
	if !ok {
		return capture.ServerResponse{}, capture.Invalid(capture.MsgRequestInvalid)
	}
	for _, existing := range m.responses {
		if existing.RequestID == requestID {
			return capture.ServerResponse{}, capture.Invalid(capture.MsgResponseDuplicate)
		}
	}

	response.SessionID = nil
	if session != nil {
		sessionID, err := m.resolveSessionLocked(*session, allowSessionCreate)
		if err != nil {
			return capture.ServerResponse{}, err
		}
		response.SessionID = &sessionID
	}

	now := m.now()
	response.ID = m.id()
	response.RequestID = requestID
	response.Created = now
	response.Modified = now
	m.responses[response.ID] = response
	return response, nil
}

func (m *Memory) resolveRequestLocked(ref capture.RequestRef) (int64, bool) {
	if ref.ID > 0 {
		_, ok := m.requests[ref.ID]
		return ref.ID, ok
	}
	if ref.CaptureID == "" {
		return 0, false
	}
	for _, request := range m.requests {
		if request.CaptureID == ref.CaptureID {
			return request.ID, true
		}
	}
	return 0, false
}

// resolveSessionLocked validates everything before creating anything so a
// rejected reference leaves no rows behind.
func (m *Memory) resolveSessionLocked(ref capture.SessionRef, allowCreate bool) (int64, error) {
	if ref.ByID() {
		if _, ok := m.sessions[ref.ID]; !ok {
			return 0, capture.Invalid(capture.MsgSessionInvalid)
		}
		return ref.ID, nil
	}

	app, err := m.lookupAppLocked(ref.AppCode)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(ref.Key) == "" {
		return 0, capture.Invalid(capture.MsgSessionInvalid)
	}
	if session, ok := m.sessionByKeyLocked(app.ID, ref.Key); ok {
		return session.ID, nil
	}
	if !allowCreate {
		return 0, auth.ErrAuthorization
	}
	return m.insertSessionLocked(app.ID, ref).ID, nil
}

func (m *Memory) lookupAppLocked(code string) (capture.App, error) {
	if strings.TrimSpace(code) == "" {
		return capture.App{}, capture.Invalid(capture.MsgAppCodeInvalid)
	}
	app, ok := m.appByCode(code)
	if !ok {
		return capture.App{}, capture.Invalid(capture.MsgAppCodeInvalid)
	}
	return app, nil
}

func cloneSession(session capture.ClientSession) capture.ClientSession {
	session.LinkedSessionIDs = append([]int64{}, session.LinkedSessionIDs...)
	if session.ClientID != nil {
		clientID := *session.ClientID
		session.ClientID = &clientID
	}
	return session
}

func paginate[T any](items []T, page capture.Page) ([]T, int) {
	page = NormalizePage(page)
	total := len(items)
	if page.Offset >= total {
		return []T{}, total
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return items[page.Offset:end], total
}
