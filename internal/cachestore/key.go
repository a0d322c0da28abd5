package cachestore

import (
	"net/url"
	"strings"
)

// Key addresses one cache entry. Segments are path-escaped and joined with
// "/", so prefix matching works on whole segments.
type Key string

func NewKey(parts ...string) Key {
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segments = append(segments, url.PathEscape(part))
	}
	return Key(strings.Join(segments, "/"))
}

func (k Key) Segments() []string {
	if k == "" {
		return nil
	}
	raw := strings.Split(string(k), "/")
	out := make([]string, 0, len(raw))
	for _, segment := range raw {
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		out = append(out, segment)
	}
	return out
}

func (k Key) HasPrefix(prefix Key) bool {
	if prefix == "" {
		return true
	}
	return k == prefix || strings.HasPrefix(string(k), string(prefix)+"/")
}

func (k Key) String() string {
	return string(k)
}
