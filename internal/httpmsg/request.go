// Package httpmsg parses captured wire-level HTTP/1.x messages.
//
// Captures are stored verbatim and are not guaranteed to be well framed, so
// both parsers are permissive: they always return a value, filled as far as
// the input allowed, together with the error that stopped them.
package httpmsg

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Request is the parsed form of a raw HTTP request.
type Request struct {
	Method     string
	RequestURI string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       []byte
}

// Host returns the Host header value.
func (r *Request) Host() string {
	return r.Header.Get("Host")
}

// UserAgent returns the User-Agent header value.
func (r *Request) UserAgent() string {
	return r.Header.Get("User-Agent")
}

// ContentType returns the media type of the body without parameters.
func (r *Request) ContentType() string {
	return mediaType(r.Header.Get("Content-Type"))
}

// ParseRequest parses raw as an HTTP request.
func ParseRequest(raw []byte) (*Request, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	parsed, err := http.ReadRequest(reader)
	if err != nil {
		return partialRequest(raw), err
	}

	request := &Request{
		Method:     parsed.Method,
		RequestURI: parsed.RequestURI,
		Proto:      parsed.Proto,
		ProtoMajor: parsed.ProtoMajor,
		ProtoMinor: parsed.ProtoMinor,
		Header:     parsed.Header,
	}
	// ReadRequest moves Host out of the header map.
	if parsed.Host != "" && request.Header.Get("Host") == "" {
		request.Header.Set("Host", parsed.Host)
	}

	body, err := readRequestBody(parsed, reader)
	request.Body = body
	return request, err
}

// readRequestBody returns everything after the header block. A declared
// Content-Length only shortens it; requests without framing keep the rest of
// the capture, which is what HTTP/1.0 clients send.
func readRequestBody(parsed *http.Request, reader *bufio.Reader) ([]byte, error) {
	if isChunked(parsed.TransferEncoding) {
		body, err := io.ReadAll(parsed.Body)
		if err != nil {
			return body, err
		}
		return body, nil
	}

	rest, err := io.ReadAll(reader)
	if err != nil {
		return rest, err
	}
	declared := parsed.Header.Get("Content-Length") != ""
	if declared && parsed.ContentLength >= 0 && int64(len(rest)) > parsed.ContentLength {
		rest = rest[:parsed.ContentLength]
	}
	return rest, nil
}

// partialRequest salvages what it can from input ReadRequest rejected: the
// request line, every header line that parses, and the body after the first
// blank line. Malformed header lines are skipped.
func partialRequest(raw []byte) *Request {
	request := &Request{Header: http.Header{}}
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	line, err := reader.ReadLine()
	if err != nil && line == "" {
		return request
	}
	if !parseRequestLine(request, line) {
		return request
	}

	for {
		line, err := reader.ReadLine()
		if line == "" {
			if err == nil {
				request.Body = unframedBody(request.Header, reader.R)
			}
			return request
		}
		if key, value, ok := headerField(line); ok {
			request.Header.Add(key, value)
		}
		if err != nil {
			return request
		}
	}
}

// parseRequestLine fills method, target and version from "METHOD target
// PROTO", or the HTTP/0.9 style "METHOD target".
func parseRequestLine(request *Request, line string) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	switch len(fields) {
	case 2:
	case 3:
		major, minor, ok := http.ParseHTTPVersion(fields[2])
		if !ok {
			return false
		}
		request.Proto = fields[2]
		request.ProtoMajor = major
		request.ProtoMinor = minor
	default:
		return false
	}

	if !isToken(fields[0]) {
		return false
	}
	request.Method = fields[0]
	request.RequestURI = fields[1]
	return true
}

func headerField(line string) (string, string, bool) {
	key, value, found := strings.Cut(line, ":")
	if !found || !isToken(key) {
		return "", "", false
	}
	return textproto.CanonicalMIMEHeaderKey(key), strings.TrimSpace(value), true
}

// unframedBody reads the rest of the capture. A valid Content-Length only
// shortens it; an invalid one is ignored.
func unframedBody(header http.Header, reader io.Reader) []byte {
	rest, _ := io.ReadAll(reader)
	declared, err := strconv.ParseInt(strings.TrimSpace(header.Get("Content-Length")), 10, 64)
	if err == nil && declared >= 0 && int64(len(rest)) > declared {
		rest = rest[:declared]
	}
	return rest
}

func isChunked(encodings []string) bool {
	for _, encoding := range encodings {
		if strings.EqualFold(encoding, "chunked") {
			return true
		}
	}
	return false
}

func isToken(value string) bool {
	for _, ch := range value {
		isAlpha := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
		isNumber := ch >= '0' && ch <= '9'
		if isAlpha || isNumber || strings.ContainsRune("!#$%&'*+-.^_`|~", ch) {
			continue
		}
		return false
	}
	return value != ""
}

func mediaType(contentType string) string {
	value, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(value))
}
