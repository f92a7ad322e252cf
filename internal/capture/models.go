// Package capture holds the recorded-traffic domain model and the
// derivation of structured fields from raw HTTP payloads.
package capture

import (
	"time"

	"github.com/jesteria/omnispective/internal/params"
)

type App struct {
	ID       int64     `json:"id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

type Client struct {
	ID       int64     `json:"id"`
	AppID    int64     `json:"app_id"`
	Username string    `json:"username"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

type ClientSession struct {
	ID               int64     `json:"id"`
	Key              string    `json:"key"`
	AppID            int64     `json:"app_id"`
	ClientID         *int64    `json:"client_id,omitempty"`
	LinkedSessionIDs []int64   `json:"linked_session_ids"`
	Created          time.Time `json:"created"`
	Modified         time.Time `json:"modified"`
}

// ClientRequest is one captured inbound request. Content and FullPath are
// the source of truth; the remaining string fields are derived from them.
type ClientRequest struct {
	ID         int64  `json:"id"`
	SessionID  int64  `json:"session_id"`
	CaptureID  string `json:"capture_id,omitempty"`
	RemoteAddr string `json:"remote_addr"`
	Content    string `json:"content"`
	FullPath   string `json:"full_path"`

	Method    string `json:"method"`
	Protocol  string `json:"protocol"`
	Host      string `json:"host"`
	Path      string `json:"path"`
	UserAgent string `json:"user_agent"`

	QueryParameters []params.Pair `json:"query_parameters"`
	FormParameters  []params.Pair `json:"form_parameters"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// ServerResponse is the captured answer to exactly one ClientRequest.
type ServerResponse struct {
	ID        int64  `json:"id"`
	RequestID int64  `json:"request_id"`
	SessionID *int64 `json:"session_id,omitempty"`
	Content   string `json:"content"`

	StatusCode int     `json:"status_code"`
	Reason     string  `json:"reason"`
	Body       string  `json:"body"`
	Location   *string `json:"location,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// SessionRef addresses a session either by id or by its natural key within
// an app. A natural-key reference is resolved get-or-create.
type SessionRef struct {
	ID             int64
	Key            string
	AppCode        string
	ClientUsername string
}

// ByID reports whether the reference names an existing row directly.
func (r SessionRef) ByID() bool {
	return r.ID > 0
}

// RequestRef addresses a request either by id or by the capture id the
// ingestion client generated for it.
type RequestRef struct {
	ID        int64
	CaptureID string
}

type Page struct {
	Limit  int
	Offset int
}

type SessionFilter struct {
	AppCode string
}

type RequestFilter struct {
	SessionID int64
	Host      string
}
