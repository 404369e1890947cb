// Package cache stores recent upstream responses keyed by a request
// fingerprint, with TTL expiry and a bounded memory budget.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"time"
)

// Entry is one stored response. The body is returned byte-identical to what
// was stored.
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	ValidUntil time.Time
}

// Size is the byte cost charged against the store budget.
func (e *Entry) Size() int64 { return int64(len(e.Body)) }

// Expired reports whether the entry is past its TTL. Expired entries are
// never served.
func (e *Entry) Expired(now time.Time) bool { return now.After(e.ValidUntil) }

// Store is the backend contract. Set reports whether the entry was accepted;
// a refusal (entry over budget, backend admission) is not an error, the
// response is simply served uncached. Invalidate reports whether a stored
// entry was actually dropped; on an absent key it is a no-op returning false.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, e *Entry) bool
	Invalidate(key string) bool
	Purge() int
	Len() int
	Close()
}

// Key derives the stable cache key: sha1 hex over method, host, path+query
// and any configured vary header values.
func Key(method, host, pathQuery string, varyValues []string) string {
	raw := method + "|" + host + "|" + pathQuery
	for _, v := range varyValues {
		raw += "|" + v
	}
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RequestKey builds the key for an inbound request. varyHeaders is the
// configured subset of headers that participate in the fingerprint (default
// none beyond method and URL).
func RequestKey(r *http.Request, varyHeaders []string) string {
	pathQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathQuery += "?" + r.URL.RawQuery
	}
	var values []string
	for _, h := range varyHeaders {
		values = append(values, r.Header.Get(h))
	}
	return Key(r.Method, r.Host, pathQuery, values)
}

// CloneHeader deep-copies a header map so stored entries cannot alias the
// response writer's headers.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}
