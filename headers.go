package reactor

import (
	"fmt"
	"net/url"
	"strings"
)

// Header is a case-insensitive, duplicate-value-preserving HTTP header
// collection. The case of the first occurrence of a key is the one
// reported back by Keys(); later Add calls with a different case still
// match the same bucket.
type Header struct {
	order []string // lowercased keys, insertion order
	cased map[string]string
	vals  map[string][]string
}

func newHeader() *Header {
	return &Header{
		cased: make(map[string]string),
		vals:  make(map[string][]string),
	}
}

// Add appends value under key, preserving any previous values.
func (h *Header) Add(key, value string) {
	lower := strings.ToLower(key)
	if _, ok := h.cased[lower]; !ok {
		h.cased[lower] = key
		h.order = append(h.order, lower)
	}
	h.vals[lower] = append(h.vals[lower], value)
}

// Get returns the first value for key, or "" if absent.
func (h *Header) Get(key string) string {
	vs := h.vals[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value added under key, in insertion order.
func (h *Header) Values(key string) []string {
	return h.vals[strings.ToLower(key)]
}

// Has reports whether key was ever set.
func (h *Header) Has(key string) bool {
	_, ok := h.cased[strings.ToLower(key)]
	return ok
}

// Keys returns every distinct header name, in first-insertion order,
// using the case of the first Add call for each.
func (h *Header) Keys() []string {
	keys := make([]string, len(h.order))
	for i, lower := range h.order {
		keys[i] = h.cased[lower]
	}
	return keys
}

// HasToken reports whether key's value(s), comma-split and trimmed,
// contain token case-insensitively. This is how Connection/Upgrade
// token lists are matched.
func (h *Header) HasToken(key, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}

// URI is a cracked request target: decoded path segments plus parsed
// query parameters.
type URI struct {
	Path  []string
	Query url.Values
}

// ParseURI splits raw (e.g. "/a/b/c.html?x=1&x=2") into path segments
// and query parameters. Segments are percent-decoded, with '+' decoding
// to a space the same as the query string does; a malformed percent
// escape is an error.
func ParseURI(raw string) (*URI, error) {
	path := raw
	query := ""
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		path = raw[:idx]
		query = raw[idx+1:]
	}

	path = strings.TrimPrefix(path, "/")
	var segs []string
	if path != "" {
		parts := strings.Split(path, "/")
		segs = make([]string, len(parts))
		for i, p := range parts {
			dec, err := unescapeSegment(p)
			if err != nil {
				return nil, err
			}
			segs[i] = dec
		}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("malformed query string: %w", err)
	}

	return &URI{Path: segs, Query: values}, nil
}

// AllQueryParams returns every value bound to key in the query string.
func (u *URI) AllQueryParams(key string) []string {
	return u.Query[key]
}

// Shift returns a URI with the first path segment consumed, for
// dispatching nested handlers. Shifting an empty URI is a no-op.
func (u *URI) Shift() *URI {
	if len(u.Path) == 0 {
		return u
	}
	return &URI{Path: u.Path[1:], Query: u.Query}
}

func unescapeSegment(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 >= len(s) {
				return "", fmt.Errorf("malformed percent-encoding in %q", s)
			}
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("malformed percent-encoding in %q", s)
			}
			b.WriteByte(byte(hi<<4 | lo))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// stripQuery trims a "?..." suffix from a raw request target, for
// endpoint lookups that must ignore the query string.
func stripQuery(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
