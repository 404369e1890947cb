package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/brinkhq/brink/internal/model"
)

func policy(ttl time.Duration, statuses ...int) *model.CachePolicy {
	if len(statuses) == 0 {
		statuses = []int{200}
	}
	return &model.CachePolicy{TTL: ttl, Statuses: statuses}
}

func TestDecision_StatusFilter(t *testing.T) {
	h := http.Header{}
	if _, ok := Decision(200, h, policy(time.Minute)); !ok {
		t.Error("200 with TTL should be cacheable")
	}
	if _, ok := Decision(500, h, policy(time.Minute)); ok {
		t.Error("500 not in the eligible set")
	}
	if _, ok := Decision(404, h, policy(time.Minute, 200, 404)); !ok {
		t.Error("404 explicitly eligible")
	}
}

func TestDecision_NoPolicy(t *testing.T) {
	if _, ok := Decision(200, http.Header{}, nil); ok {
		t.Error("nil policy must not cache")
	}
	if _, ok := Decision(200, http.Header{}, policy(0)); ok {
		t.Error("zero TTL must not cache")
	}
}

func TestDecision_CacheControl(t *testing.T) {
	cases := []struct {
		cc      string
		wantTTL time.Duration
		wantOK  bool
	}{
		{"", time.Minute, true},
		{"no-store", 0, false},
		{"private", 0, false},
		{"no-cache", 0, false},
		{"max-age=30", 30 * time.Second, true},
		{"s-maxage=10, max-age=30", 10 * time.Second, true},
		{"public, max-age=0", 0, false},
		{"Max-Age=5", 5 * time.Second, true}, // directives are case-insensitive
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.cc != "" {
			h.Set("Cache-Control", tc.cc)
		}
		ttl, ok := Decision(200, h, policy(time.Minute))
		if ok != tc.wantOK {
			t.Errorf("%q: cacheable got %v, want %v", tc.cc, ok, tc.wantOK)
			continue
		}
		if ok && ttl != tc.wantTTL {
			t.Errorf("%q: ttl got %v, want %v", tc.cc, ttl, tc.wantTTL)
		}
	}
}

func TestCacheableMethod(t *testing.T) {
	if !CacheableMethod(http.MethodGet) || !CacheableMethod(http.MethodHead) {
		t.Error("GET and HEAD are cacheable")
	}
	if CacheableMethod(http.MethodPost) || CacheableMethod(http.MethodDelete) {
		t.Error("non-idempotent methods are never cacheable")
	}
}
