package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/params"
)

// Store persists apps, sessions, captured requests/responses and the
// credentials allowed to write them.
type Store interface {
	Health(ctx context.Context) error
	Close()

	CreateUserWithAPIKey(ctx context.Context, username string, permissions []string, rawKey string) (User, error)
	SetPermissions(ctx context.Context, username string, permissions []string) (User, error)
	Authenticate(ctx context.Context, username, rawKey string) (auth.Principal, error)

	ListApps(ctx context.Context, page capture.Page) ([]capture.App, int, error)
	GetApp(ctx context.Context, ref string) (capture.App, error)
	GetAppByID(ctx context.Context, id int64) (capture.App, error)
	CreateApp(ctx context.Context, code, name string) (capture.App, error)
	DeleteApp(ctx context.Context, id int64) error

	ListClients(ctx context.Context, appCode string, page capture.Page) ([]capture.Client, int, error)
	GetClient(ctx context.Context, id int64) (capture.Client, error)
	CreateClient(ctx context.Context, appCode, username string) (capture.Client, error)
	DeleteClient(ctx context.Context, id int64) error

	ListSessions(ctx context.Context, filter capture.SessionFilter, page capture.Page) ([]capture.ClientSession, int, error)
	GetSession(ctx context.Context, id int64) (capture.ClientSession, error)
	CreateSession(ctx context.Context, ref capture.SessionRef, linkedSessionIDs []int64) (capture.ClientSession, error)
	DeleteSession(ctx context.Context, id int64) error

	ListRequests(ctx context.Context, filter capture.RequestFilter, page capture.Page) ([]capture.ClientRequest, int, error)
	GetRequest(ctx context.Context, id int64) (capture.ClientRequest, error)
	// InsertRequest resolves the session and writes the request row in one
	// transaction. A natural-key session reference that does not exist yet
	// is created only when allowSessionCreate is set; otherwise
	// auth.ErrAuthorization is returned and nothing is written.
	InsertRequest(ctx context.Context, request capture.ClientRequest, session capture.SessionRef, allowSessionCreate bool) (capture.ClientRequest, error)
	UpdateRequest(ctx context.Context, request capture.ClientRequest) (capture.ClientRequest, error)
	// ReplaceParameters deletes the parameter rows of a request and inserts
	// the given ones.
	ReplaceParameters(ctx context.Context, requestID int64, query, form []params.Pair) error
	DeleteRequest(ctx context.Context, id int64) error
	DeleteRequestsBefore(ctx context.Context, cutoff time.Time) (RetentionResult, error)

	ListResponses(ctx context.Context, filter ResponseFilter, page capture.Page) ([]capture.ServerResponse, int, error)
	GetResponse(ctx context.Context, id int64) (capture.ServerResponse, error)
	InsertResponse(ctx context.Context, response capture.ServerResponse, request capture.RequestRef, session *capture.SessionRef, allowSessionCreate bool) (capture.ServerResponse, error)
}

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Permissions []string  `json:"permissions"`
	Created     time.Time `json:"created"`
}

type ResponseFilter struct {
	RequestID int64
}

type RetentionResult struct {
	DeletedRequests     int     `json:"deletedRequests"`
	DeletedRequestIDs   []int64 `json:"-"`
	DeletedResponseIDs  []int64 `json:"-"`
	FailedArchiveDelete int     `json:"failedArchiveDelete"`
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 1000
)

// normalizePermissions drops blanks and duplicates and sorts the rest.
func normalizePermissions(permissions []string) []string {
	seen := make(map[string]bool, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, codename := range permissions {
		codename = strings.TrimSpace(codename)
		if codename == "" || seen[codename] {
			continue
		}
		seen[codename] = true
		out = append(out, codename)
	}
	sort.Strings(out)
	return out
}

// NormalizePage clamps a requested page to the supported bounds.
func NormalizePage(page capture.Page) capture.Page {
	if page.Limit <= 0 {
		page.Limit = defaultPageLimit
	}
	if page.Limit > maxPageLimit {
		page.Limit = maxPageLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}
