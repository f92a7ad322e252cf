package omniclient

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const redacted = "<redacted>"

var bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}`)

// RedactRaw masks sensitive header values of a raw HTTP message and
// sensitive fields of a URL-encoded body. The request line, header names
// and message structure are kept so the server still derives the same
// fields.
func RedactRaw(raw string) string {
	head, body, hasBody := strings.Cut(raw, "\r\n\r\n")
	lines := strings.Split(head, "\r\n")
	formBody := false
	for i := 1; i < len(lines); i++ {
		name, value, found := strings.Cut(lines[i], ":")
		if !found {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "content-type" && strings.Contains(strings.ToLower(value), "application/x-www-form-urlencoded") {
			formBody = true
		}
		if isSensitiveKey(key) {
			lines[i] = name + ": " + redacted
		}
	}
	if len(lines) > 0 {
		lines[0] = redactRequestLine(lines[0])
	}

	if !hasBody {
		return strings.Join(lines, "\r\n")
	}

	original := body
	if formBody {
		body = redactForm(body)
	}
	body = bearerPattern.ReplaceAllString(body, "Bearer "+redacted)
	if body != original {
		for i := 1; i < len(lines); i++ {
			name, _, found := strings.Cut(lines[i], ":")
			if found && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				lines[i] = name + ": " + strconv.Itoa(len(body))
			}
		}
	}
	return strings.Join(lines, "\r\n") + "\r\n\r\n" + body
}

// RedactURL masks sensitive query values of a request target or absolute
// URL. The server derives query parameters from the full URL, so it needs
// the same treatment as the raw request line.
func RedactURL(target string) string {
	path, query, found := strings.Cut(target, "?")
	if !found {
		return target
	}
	return path + "?" + redactForm(query)
}

// redactRequestLine masks sensitive query values in "METHOD target PROTO".
func redactRequestLine(line string) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return line
	}
	parts[1] = RedactURL(parts[1])
	return strings.Join(parts, " ")
}

// redactForm rewrites only the values of sensitive keys so pair order and
// the encoding of everything else are unchanged.
func redactForm(encoded string) string {
	pairs := strings.Split(encoded, "&")
	for i, pair := range pairs {
		rawKey, _, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			pairs[i] = rawKey + "=" + url.QueryEscape(redacted)
		}
	}
	return strings.Join(pairs, "&")
}

func isSensitiveKey(key string) bool {
	if key == "" {
		return false
	}
	for _, marker := range []string{
		"password",
		"passwd",
		"secret",
		"token",
		"authorization",
		"cookie",
		"api_key",
		"apikey",
		"x-api-key",
		"csrf",
	} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
