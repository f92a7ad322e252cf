// Package params decomposes URL-encoded strings (query strings and form
// bodies) into ordered key/value pairs.
package params

import (
	"net/url"
	"sort"
	"strings"
)

// Pair is one decoded key/value entry. Position is the zero-based index of
// the entry in the source string.
type Pair struct {
	Position int    `json:"position"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// Extract decodes encoded into pairs in appearance order. Duplicate keys are
// kept as separate entries.
func Extract(encoded string) []Pair {
	encoded = strings.TrimRight(encoded, "\r\n")
	pairs := make([]Pair, 0)
	if encoded == "" {
		return pairs
	}

	for _, segment := range strings.Split(encoded, "&") {
		if segment == "" {
			continue
		}

		rawKey, rawValue, _ := strings.Cut(segment, "=")
		pairs = append(pairs, Pair{
			Position: len(pairs),
			Key:      unescape(rawKey),
			Value:    unescape(rawValue),
		})
	}
	return pairs
}

// Encode is the inverse of Extract. Pairs are written in Position order.
func Encode(pairs []Pair) string {
	ordered := make([]Pair, len(pairs))
	copy(ordered, pairs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	builder := strings.Builder{}
	for index, pair := range ordered {
		if index > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(url.QueryEscape(pair.Key))
		builder.WriteByte('=')
		builder.WriteString(url.QueryEscape(pair.Value))
	}
	return builder.String()
}

// unescape decodes one component; malformed escapes keep their raw text.
func unescape(component string) string {
	decoded, err := url.QueryUnescape(component)
	if err != nil {
		return component
	}
	return decoded
}
