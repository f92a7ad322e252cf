package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/params"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	pool *pgxpool.Pool
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// EnsureSchema creates missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateUserWithAPIKey inserts the user and, as the explicit post-creation
// step, its API key and permissions, all in one transaction.
func (p *Postgres) CreateUserWithAPIKey(ctx context.Context, username string, permissions []string, rawKey string) (User, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx)

	user := User{Username: username}
	err = tx.QueryRow(
		ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id, created`,
		username,
	).Scan(&user.ID, &user.Created)
	if err != nil {
		return User{}, mapWriteError(err, "username already exists")
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO api_keys (user_id, key_hash) VALUES ($1, $2)`,
		user.ID,
		auth.HashKey(rawKey),
	); err != nil {
		return User{}, fmt.Errorf("issue api key: %w", err)
	}

	if err := replacePermissions(ctx, tx, user.ID, permissions); err != nil {
		return User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	user.Permissions = normalizePermissions(permissions)
	return user, nil
}

func (p *Postgres) SetPermissions(ctx context.Context, username string, permissions []string) (User, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx)

	user := User{Username: username}
	err = tx.QueryRow(
		ctx,
		`UPDATE users SET modified = NOW() WHERE username = $1 RETURNING id, created`,
		username,
	).Scan(&user.ID, &user.Created)
	if err != nil {
		return User{}, mapLookupError(err)
	}

	if err := replacePermissions(ctx, tx, user.ID, permissions); err != nil {
		return User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	user.Permissions = normalizePermissions(permissions)
	return user, nil
}

func replacePermissions(ctx context.Context, q querier, userID int64, permissions []string) error {
	if _, err := q.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, codename := range normalizePermissions(permissions) {
		if _, err := q.Exec(
			ctx,
			`INSERT INTO user_permissions (user_id, codename) VALUES ($1, $2)`,
			userID,
			codename,
		); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Authenticate(ctx context.Context, username, rawKey string) (auth.Principal, error) {
	principal := auth.Principal{Username: username, Permissions: map[string]bool{}}
	err := p.pool.QueryRow(
		ctx,
		`SELECT u.id
		 FROM users u
		 JOIN api_keys k ON k.user_id = u.id
		 WHERE u.username = $1 AND u.active AND k.key_hash = $2`,
		username,
		auth.HashKey(rawKey),
	).Scan(&principal.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Principal{}, auth.ErrAuthentication
		}
		return auth.Principal{}, err
	}

	rows, err := p.pool.Query(ctx, `SELECT codename FROM user_permissions WHERE user_id = $1`, principal.UserID)
	if err != nil {
		return auth.Principal{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var codename string
		if err := rows.Scan(&codename); err != nil {
			return auth.Principal{}, err
		}
		principal.Permissions[codename] = true
	}
	if rows.Err() != nil {
		return auth.Principal{}, rows.Err()
	}

	return principal, nil
}

const appColumns = `id, code, name, created, modified`

func scanApp(row pgx.Row) (capture.App, error) {
	app := capture.App{}
	err := row.Scan(&app.ID, &app.Code, &app.Name, &app.Created, &app.Modified)
	return app, err
}

func (p *Postgres) ListApps(ctx context.Context, page capture.Page) ([]capture.App, int, error) {
	page = NormalizePage(page)

	total := 0
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM apps`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+appColumns+` FROM apps ORDER BY id ASC LIMIT $1 OFFSET $2`,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	apps := make([]capture.App, 0)
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, 0, err
		}
		apps = append(apps, app)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	return apps, total, nil
}

// GetApp resolves ref as a code first and as a numeric id second.
func (p *Postgres) GetApp(ctx context.Context, ref string) (capture.App, error) {
	app, err := scanApp(p.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE code = $1`, ref))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return capture.App{}, err
	}

	id, convErr := strconv.ParseInt(ref, 10, 64)
	if convErr != nil {
		return capture.App{}, capture.ErrNotFound
	}
	return p.GetAppByID(ctx, id)
}

// GetAppByID never consults the code column, so an all-digit code cannot
// shadow another app's id.
func (p *Postgres) GetAppByID(ctx context.Context, id int64) (capture.App, error) {
	app, err := scanApp(p.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE id = $1`, id))
	if err != nil {
		return capture.App{}, mapLookupError(err)
	}
	return app, nil
}

func (p *Postgres) CreateApp(ctx context.Context, code, name string) (capture.App, error) {
	app, err := scanApp(p.pool.QueryRow(
		ctx,
		`INSERT INTO apps (code, name) VALUES ($1, $2) RETURNING `+appColumns,
		code,
		name,
	))
	if err != nil {
		return capture.App{}, mapWriteError(err, "app code already exists")
	}
	return app, nil
}

func (p *Postgres) DeleteApp(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, `DELETE FROM apps WHERE id = $1`, id)
}

const clientColumns = `id, app_id, username, created, modified`

func scanClient(row pgx.Row) (capture.Client, error) {
	client := capture.Client{}
	err := row.Scan(&client.ID, &client.AppID, &client.Username, &client.Created, &client.Modified)
	return client, err
}

func (p *Postgres) ListClients(ctx context.Context, appCode string, page capture.Page) ([]capture.Client, int, error) {
	page = NormalizePage(page)

	where := `WHERE ($1 = '' OR app_id = (SELECT id FROM apps WHERE code = $1))`
	total := 0
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM clients `+where, appCode).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+clientColumns+` FROM clients `+where+` ORDER BY id ASC LIMIT $2 OFFSET $3`,
		appCode,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	clients := make([]capture.Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, client)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	return clients, total, nil
}

func (p *Postgres) GetClient(ctx context.Context, id int64) (capture.Client, error) {
	client, err := scanClient(p.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		return capture.Client{}, mapLookupError(err)
	}
	return client, nil
}

func (p *Postgres) CreateClient(ctx context.Context, appCode, username string) (capture.Client, error) {
	appID, err := lookupAppID(ctx, p.pool, appCode)
	if err != nil {
		return capture.Client{}, err
	}

	client, err := scanClient(p.pool.QueryRow(
		ctx,
		`INSERT INTO clients (app_id, username) VALUES ($1, $2) RETURNING `+clientColumns,
		appID,
		username,
	))
	if err != nil {
		return capture.Client{}, mapWriteError(err, "client username already exists for app")
	}
	return client, nil
}

func (p *Postgres) DeleteClient(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, `DELETE FROM clients WHERE id = $1`, id)
}

const sessionColumns = `s.id, s.key, s.app_id, s.client_id, s.created, s.modified,
	COALESCE((SELECT array_agg(l.to_session_id ORDER BY l.to_session_id) FROM client_session_links l WHERE l.from_session_id = s.id), '{}')`

func scanSession(row pgx.Row) (capture.ClientSession, error) {
	session := capture.ClientSession{}
	err := row.Scan(
		&session.ID,
		&session.Key,
		&session.AppID,
		&session.ClientID,
		&session.Created,
		&session.Modified,
		&session.LinkedSessionIDs,
	)
	return session, err
}

func (p *Postgres) ListSessions(ctx context.Context, filter capture.SessionFilter, page capture.Page) ([]capture.ClientSession, int, error) {
	page = NormalizePage(page)

	where := `WHERE ($1 = '' OR s.app_id = (SELECT id FROM apps WHERE code = $1))`
	total := 0
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM client_sessions s `+where, filter.AppCode).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+sessionColumns+` FROM client_sessions s `+where+` ORDER BY s.id ASC LIMIT $2 OFFSET $3`,
		filter.AppCode,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := make([]capture.ClientSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	return sessions, total, nil
}

func (p *Postgres) GetSession(ctx context.Context, id int64) (capture.ClientSession, error) {
	session, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM client_sessions s WHERE s.id = $1`, id))
	if err != nil {
		return capture.ClientSession{}, mapLookupError(err)
	}
	return session, nil
}

func (p *Postgres) CreateSession(ctx context.Context, ref capture.SessionRef, linkedSessionIDs []int64) (capture.ClientSession, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return capture.ClientSession{}, err
	}
	defer tx.Rollback(ctx)

	if strings.TrimSpace(ref.Key) == "" {
		return capture.ClientSession{}, capture.Invalid(capture.MsgSessionInvalid)
	}
	appID, err := lookupAppID(ctx, tx, ref.AppCode)
	if err != nil {
		return capture.ClientSession{}, err
	}
	clientID, err := resolveClientID(ctx, tx, appID, ref.ClientUsername)
	if err != nil {
		return capture.ClientSession{}, err
	}

	var sessionID int64
	err = tx.QueryRow(
		ctx,
		`INSERT INTO client_sessions (key, app_id, client_id) VALUES ($1, $2, $3) RETURNING id`,
		ref.Key,
		appID,
		clientID,
	).Scan(&sessionID)
	if err != nil {
		return capture.ClientSession{}, mapWriteError(err, "session key already exists for app")
	}

	for _, linkedID := range linkedSessionIDs {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM client_sessions WHERE id = $1)`, linkedID).Scan(&exists); err != nil {
			return capture.ClientSession{}, err
		}
		if !exists || linkedID == sessionID {
			return capture.ClientSession{}, capture.Invalid(capture.MsgLinkedSessionFound)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO client_session_links (from_session_id, to_session_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			sessionID,
			linkedID,
		); err != nil {
			return capture.ClientSession{}, err
		}
	}

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM client_sessions s WHERE s.id = $1`, sessionID))
	if err != nil {
		return capture.ClientSession{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return capture.ClientSession{}, err
	}
	return session, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, `DELETE FROM client_sessions WHERE id = $1`, id)
}

const requestColumns = `id, session_id, capture_id, remote_addr, content, full_path,
	method, protocol, host, path, user_agent, created, modified`

func scanRequest(row pgx.Row) (capture.ClientRequest, error) {
	request := capture.ClientRequest{}
	var captureID *string
	err := row.Scan(
		&request.ID,
		&request.SessionID,
		&captureID,
		&request.RemoteAddr,
		&request.Content,
		&request.FullPath,
		&request.Method,
		&request.Protocol,
		&request.Host,
		&request.Path,
		&request.UserAgent,
		&request.Created,
		&request.Modified,
	)
	if captureID != nil {
		request.CaptureID = *captureID
	}
	request.QueryParameters = []params.Pair{}
	request.FormParameters = []params.Pair{}
	return request, err
}

func (p *Postgres) ListRequests(ctx context.Context, filter capture.RequestFilter, page capture.Page) ([]capture.ClientRequest, int, error) {
	page = NormalizePage(page)

	where := `WHERE ($1 = 0 OR session_id = $1) AND ($2 = '' OR host = $2)`
	total := 0
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM client_requests `+where, filter.SessionID, filter.Host).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+requestColumns+` FROM client_requests `+where+` ORDER BY created DESC, id DESC LIMIT $3 OFFSET $4`,
		filter.SessionID,
		filter.Host,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	requests := make([]capture.ClientRequest, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		requests = append(requests, request)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	if err := p.loadParameters(ctx, requests); err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func (p *Postgres) GetRequest(ctx context.Context, id int64) (capture.ClientRequest, error) {
	request, err := scanRequest(p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM client_requests WHERE id = $1`, id))
	if err != nil {
		return capture.ClientRequest{}, mapLookupError(err)
	}

	requests := []capture.ClientRequest{request}
	if err := p.loadParameters(ctx, requests); err != nil {
		return capture.ClientRequest{}, err
	}
	return requests[0], nil
}

// loadParameters fills the parameter children of requests in place.
func (p *Postgres) loadParameters(ctx context.Context, requests []capture.ClientRequest) error {
	if len(requests) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(requests))
	byID := make(map[int64]int, len(requests))
	for index, request := range requests {
		ids = append(ids, request.ID)
		byID[request.ID] = index
	}

	for _, table := range []string{"query_parameters", "form_parameters"} {
		rows, err := p.pool.Query(
			ctx,
			`SELECT request_id, position, key, value FROM `+table+`
			 WHERE request_id = ANY($1)
			 ORDER BY request_id ASC, position ASC`,
			ids,
		)
		if err != nil {
			return err
		}

		for rows.Next() {
			var requestID int64
			pair := params.Pair{}
			if err := rows.Scan(&requestID, &pair.Position, &pair.Key, &pair.Value); err != nil {
				rows.Close()
				return err
			}
			request := &requests[byID[requestID]]
			if table == "query_parameters" {
				request.QueryParameters = append(request.QueryParameters, pair)
			} else {
				request.FormParameters = append(request.FormParameters, pair)
			}
		}
		rows.Close()
		if rows.Err() != nil {
			return rows.Err()
		}
	}
	return nil
}

func (p *Postgres) InsertRequest(
	ctx context.Context,
	request capture.ClientRequest,
	session capture.SessionRef,
	allowSessionCreate bool,
) (capture.ClientRequest, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return capture.ClientRequest{}, err
	}
	defer tx.Rollback(ctx)

	sessionID, err := resolveSession(ctx, tx, session, allowSessionCreate)
	if err != nil {
		return capture.ClientRequest{}, err
	}

	stored, err := scanRequest(tx.QueryRow(
		ctx,
		`INSERT INTO client_requests
		   (session_id, capture_id, remote_addr, content, full_path, method, protocol, host, path, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+requestColumns,
		sessionID,
		nullableString(request.CaptureID),
		request.RemoteAddr,
		request.Content,
		request.FullPath,
		request.Method,
		request.Protocol,
		request.Host,
		request.Path,
		request.UserAgent,
	))
	if err != nil {
		return capture.ClientRequest{}, mapWriteError(err, "capture id already recorded")
	}

	if err := tx.Commit(ctx); err != nil {
		return capture.ClientRequest{}, err
	}
	return stored, nil
}

func (p *Postgres) UpdateRequest(ctx context.Context, request capture.ClientRequest) (capture.ClientRequest, error) {
	stored, err := scanRequest(p.pool.QueryRow(
		ctx,
		`UPDATE client_requests
		 SET remote_addr = $2,
		     content = $3,
		     full_path = $4,
		     method = $5,
		     protocol = $6,
		     host = $7,
		     path = $8,
		     user_agent = $9,
		     modified = NOW()
		 WHERE id = $1
		 RETURNING `+requestColumns,
		request.ID,
		request.RemoteAddr,
		request.Content,
		request.FullPath,
		request.Method,
		request.Protocol,
		request.Host,
		request.Path,
		request.UserAgent,
	))
	if err != nil {
		return capture.ClientRequest{}, mapLookupError(err)
	}
	return stored, nil
}

func (p *Postgres) ReplaceParameters(ctx context.Context, requestID int64, query, form []params.Pair) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for table, pairs := range map[string][]params.Pair{"query_parameters": query, "form_parameters": form} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE request_id = $1`, requestID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		for _, pair := range pairs {
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO `+table+` (request_id, position, key, value) VALUES ($1, $2, $3, $4)`,
				requestID,
				pair.Position,
				pair.Key,
				pair.Value,
			); err != nil {
				return fmt.Errorf("insert %s: %w", table, mapWriteError(err, capture.MsgRequestInvalid))
			}
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) DeleteRequest(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, `DELETE FROM client_requests WHERE id = $1`, id)
}

func (p *Postgres) DeleteRequestsBefore(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RetentionResult{}, err
	}
	defer tx.Rollback(ctx)

	result := RetentionResult{DeletedRequestIDs: []int64{}, DeletedResponseIDs: []int64{}}
	responseIDs, err := collectIDs(ctx, tx,
		`SELECT r.id FROM server_responses r
		 JOIN client_requests c ON c.id = r.request_id
		 WHERE c.created < $1`,
		cutoff,
	)
	if err != nil {
		return RetentionResult{}, err
	}
	requestIDs, err := collectIDs(ctx, tx, `DELETE FROM client_requests WHERE created < $1 RETURNING id`, cutoff)
	if err != nil {
		return RetentionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RetentionResult{}, err
	}

	result.DeletedRequestIDs = requestIDs
	result.DeletedResponseIDs = responseIDs
	result.DeletedRequests = len(requestIDs)
	return result, nil
}

const responseColumns = `id, request_id, session_id, content, status_code, reason, body, location, created, modified`

func scanResponse(row pgx.Row) (capture.ServerResponse, error) {
	response := capture.ServerResponse{}
	err := row.Scan(
		&response.ID,
		&response.RequestID,
		&response.SessionID,
		&response.Content,
		&response.StatusCode,
		&response.Reason,
		&response.Body,
		&response.Location,
		&response.Created,
		&response.Modified,
	)
	return response, err
}

func (p *Postgres) ListResponses(ctx context.Context, filter ResponseFilter, page capture.Page) ([]capture.ServerResponse, int, error) {
	page = NormalizePage(page)

	where := `WHERE ($1 = 0 OR request_id = $1)`
	total := 0
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM server_responses `+where, filter.RequestID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+responseColumns+` FROM server_responses `+where+` ORDER BY created DESC, id DESC LIMIT $2 OFFSET $3`,
		filter.RequestID,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	responses := make([]capture.ServerResponse, 0)
	for rows.Next() {
		response, err := scanResponse(rows)
		if err != nil {
			return nil, 0, err
		}
		responses = append(responses, response)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	return responses, total, nil
}

func (p *Postgres) GetResponse(ctx context.Context, id int64) (capture.ServerResponse, error) {
	response, err := scanResponse(p.pool.QueryRow(ctx, `SELECT `+responseColumns+` FROM server_responses WHERE id = $1`, id))
	if err != nil {
		return capture.ServerResponse{}, mapLookupError(err)
	}
	return response, nil
}

func (p *Postgres) InsertResponse(
	ctx context.Context,
	response capture.ServerResponse,
	request capture.RequestRef,
	session *capture.SessionRef,
	allowSessionCreate bool,
) (capture.ServerResponse, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return capture.ServerResponse{}, err
	}
	defer tx.Rollback(ctx)

	var requestID int64
	if request.ID > 0 {
		err = tx.QueryRow(ctx, `SELECT id FROM client_requests WHERE id = $1`, request.ID).Scan(&requestID)
	} else {
		err = tx.QueryRow(ctx, `SELECT id FROM client_requests WHERE capture_id = $1`, request.CaptureID).Scan(&requestID)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return capture.ServerResponse{}, capture.Invalid(capture.MsgRequestInvalid)
		}
		return capture.ServerResponse{}, err
	}

	var sessionID *int64
	if session != nil {
		resolved, err := resolveSession(ctx, tx, *session, allowSessionCreate)
		if err != nil {
			return capture.ServerResponse{}, err
		}
		sessionID = &resolved
	}

	stored, err := scanResponse(tx.QueryRow(
		ctx,
		`INSERT INTO server_responses (request_id, session_id, content, status_code, reason, body, location)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+responseColumns,
		requestID,
		sessionID,
		response.Content,
		response.StatusCode,
		response.Reason,
		response.Body,
		response.Location,
	))
	if err != nil {
		return capture.ServerResponse{}, mapWriteError(err, capture.MsgResponseDuplicate)
	}

	if err := tx.Commit(ctx); err != nil {
		return capture.ServerResponse{}, err
	}
	return stored, nil
}

// resolveSession returns the id of the referenced session, creating a
// natural-key session when it is missing and creation is allowed.
func resolveSession(ctx context.Context, q querier, ref capture.SessionRef, allowCreate bool) (int64, error) {
	var sessionID int64
	if ref.ByID() {
		err := q.QueryRow(ctx, `SELECT id FROM client_sessions WHERE id = $1`, ref.ID).Scan(&sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, capture.Invalid(capture.MsgSessionInvalid)
		}
		return sessionID, err
	}

	appID, err := lookupAppID(ctx, q, ref.AppCode)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(ref.Key) == "" {
		return 0, capture.Invalid(capture.MsgSessionInvalid)
	}

	err = q.QueryRow(ctx, `SELECT id FROM client_sessions WHERE app_id = $1 AND key = $2`, appID, ref.Key).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if !allowCreate {
		return 0, auth.ErrAuthorization
	}

	clientID, err := resolveClientID(ctx, q, appID, ref.ClientUsername)
	if err != nil {
		return 0, err
	}
	err = q.QueryRow(
		ctx,
		`INSERT INTO client_sessions (key, app_id, client_id) VALUES ($1, $2, $3)
		 ON CONFLICT (app_id, key) DO UPDATE SET modified = NOW()
		 RETURNING id`,
		ref.Key,
		appID,
		clientID,
	).Scan(&sessionID)
	return sessionID, err
}

func resolveClientID(ctx context.Context, q querier, appID int64, username string) (*int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil
	}

	var clientID int64
	err := q.QueryRow(
		ctx,
		`INSERT INTO clients (app_id, username) VALUES ($1, $2)
		 ON CONFLICT (app_id, username) DO UPDATE SET modified = NOW()
		 RETURNING id`,
		appID,
		username,
	).Scan(&clientID)
	if err != nil {
		return nil, err
	}
	return &clientID, nil
}

func lookupAppID(ctx context.Context, q querier, code string) (int64, error) {
	if strings.TrimSpace(code) == "" {
		return 0, capture.Invalid(capture.MsgAppCodeInvalid)
	}

	var appID int64
	err := q.QueryRow(ctx, `SELECT id FROM apps WHERE code = $1`, code).Scan(&appID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, capture.Invalid(capture.MsgAppCodeInvalid)
	}
	return appID, err
}

func collectIDs(ctx context.Context, q querier, sql string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

func (p *Postgres) deleteByID(ctx context.Context, sql string, id int64) error {
	tag, err := p.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return capture.ErrNotFound
	}
	return nil
}

func mapLookupError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.ErrNotFound
	}
	return err
}

// mapWriteError turns a unique violation into a validation error carrying
// conflictMessage.
func mapWriteError(err error, conflictMessage string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return capture.Invalid(conflictMessage)
	}
	return err
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
