package capture

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jesteria/omnispective/internal/httpmsg"
	"github.com/jesteria/omnispective/internal/params"
)

// Derive recomputes the scalar fields of r from Content and FullPath. It
// always overwrites them; a non-nil error only reports what failed to parse,
// the affected fields are left empty.
func (r *ClientRequest) Derive() error {
	r.Method, r.Protocol, r.Host, r.Path, r.UserAgent = "", "", "", "", ""

	message, parseErr := httpmsg.ParseRequest([]byte(r.Content))
	r.Method = message.Method
	r.UserAgent = message.UserAgent()

	target, urlErr := r.targetURL(message)
	if target != nil {
		r.Protocol = strings.ToLower(target.Scheme)
		r.Host = target.Host
		r.Path = target.Path
	}

	switch {
	case parseErr != nil:
		return fmt.Errorf("parse request content: %w", parseErr)
	case urlErr != nil:
		return fmt.Errorf("parse request url: %w", urlErr)
	}
	return nil
}

// ExtractParameters decodes the query string of the request URL and, for
// URL-encoded bodies, the form body.
func (r *ClientRequest) ExtractParameters() (query []params.Pair, form []params.Pair) {
	message, _ := httpmsg.ParseRequest([]byte(r.Content))

	query = []params.Pair{}
	if target, _ := r.targetURL(message); target != nil {
		query = params.Extract(target.RawQuery)
	}

	form = []params.Pair{}
	switch message.ContentType() {
	case "", "application/x-www-form-urlencoded":
		form = params.Extract(string(message.Body))
	}
	return query, form
}

// targetURL prefers the separately captured full URL and falls back to the
// request line and Host header of the raw message.
func (r *ClientRequest) targetURL(message *httpmsg.Request) (*url.URL, error) {
	if fullPath := strings.TrimSpace(r.FullPath); fullPath != "" {
		return url.Parse(fullPath)
	}
	if message.RequestURI == "" {
		return nil, nil
	}

	target, err := url.ParseRequestURI(message.RequestURI)
	if err != nil {
		return nil, err
	}
	if target.Host == "" {
		target.Host = message.Host()
	}
	return target, nil
}

// Derive recomputes status, reason, body and redirect location from Content.
func (s *ServerResponse) Derive() error {
	message, err := httpmsg.ParseResponse([]byte(s.Content))
	s.StatusCode = message.StatusCode
	s.Reason = message.Reason
	s.Body = string(message.Body)
	s.Location = nil
	if location, ok := message.Location(); ok {
		s.Location = &location
	}

	if err != nil {
		return fmt.Errorf("parse response content: %w", err)
	}
	return nil
}
