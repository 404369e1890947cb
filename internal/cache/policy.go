package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brinkhq/brink/internal/model"
)

// CacheableMethod reports whether the request method may ever be served from
// or inserted into the cache.
func CacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Decision computes the effective TTL for a response under a route policy.
// The route TTL is the default; origin Cache-Control directives override it:
// no-store, private and no-cache suppress insertion, s-maxage and max-age
// replace the TTL.
func Decision(status int, hdr http.Header, policy *model.CachePolicy) (time.Duration, bool) {
	if policy == nil || policy.TTL <= 0 {
		return 0, false
	}
	ok := false
	for _, s := range policy.Statuses {
		if s == status {
			ok = true
			break
		}
	}
	if !ok {
		return 0, false
	}

	cc := parseCacheControl(hdr.Get("Cache-Control"))
	if _, ok := cc["no-store"]; ok {
		return 0, false
	}
	if _, ok := cc["private"]; ok {
		return 0, false
	}
	// no-cache means store-but-revalidate; without revalidation support we
	// must not cache at all.
	if _, ok := cc["no-cache"]; ok {
		return 0, false
	}

	if v, ok := cc["s-maxage"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, secs > 0
		}
	}
	if v, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, secs > 0
		}
	}

	return policy.TTL, true
}

func parseCacheControl(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if k, v, found := strings.Cut(p, "="); found {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else {
			out[p] = ""
		}
	}
	return out
}
