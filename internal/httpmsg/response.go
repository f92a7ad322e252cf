package httpmsg

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is the parsed form of a raw HTTP response.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     http.Header
	Body       []byte
}

// Location returns the redirect target, if any.
func (r *Response) Location() (string, bool) {
	values, ok := r.Header["Location"]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// ParseResponse parses raw as an HTTP response. The body is read fully.
func ParseResponse(raw []byte) (*Response, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	parsed, err := http.ReadResponse(reader, nil)
	if err != nil {
		return partialResponse(raw), err
	}
	defer parsed.Body.Close()

	response := &Response{
		StatusCode: parsed.StatusCode,
		Reason:     reasonPhrase(parsed.Status, parsed.StatusCode),
		Proto:      parsed.Proto,
		Header:     parsed.Header,
	}

	body, err := io.ReadAll(parsed.Body)
	response.Body = body
	return response, err
}

func reasonPhrase(status string, code int) string {
	return strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
}

// partialResponse salvages the status line from input ReadResponse rejected.
func partialResponse(raw []byte) *Response {
	response := &Response{Header: http.Header{}}

	line, _, _ := bytes.Cut(raw, []byte("\n"))
	proto, status, found := strings.Cut(strings.TrimSpace(string(line)), " ")
	if !found || !strings.HasPrefix(proto, "HTTP/") {
		return response
	}
	response.Proto = proto

	code, reason, _ := strings.Cut(strings.TrimSpace(status), " ")
	if parsedCode, err := strconv.Atoi(code); err == nil {
		response.StatusCode = parsedCode
		response.Reason = strings.TrimSpace(reason)
	}
	return response
}
