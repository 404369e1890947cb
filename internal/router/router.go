package router

import (
	"sort"
	"strings"

	"github.com/brinkhq/brink/internal/model"
)

type wildcardBucket struct {
	suffix string        // e.g. "example.com" for host "*.example.com"
	routes []model.Route // routes for that wildcard host, sorted by prefix desc
}

// Table matches requests to routes: exact host first, then wildcard hosts,
// then hostless routes. Within a bucket the longest path prefix wins; ties
// keep registration order.
type Table struct {
	byHost   map[string][]model.Route // exact host -> routes sorted by prefix desc
	wildcard []wildcardBucket         // "*.example.com" buckets, longest suffix first
	any      []model.Route            // hostless routes -> prefix desc
}

func New(routes []model.Route) *Table {
	t := &Table{byHost: make(map[string][]model.Route)}
	wildBySuffix := make(map[string]*wildcardBucket)

	for _, r := range routes {
		if len(r.Hosts) == 0 {
			t.any = append(t.any, r)
			continue
		}
		for _, h := range r.Hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" {
				t.any = append(t.any, r)
				continue
			}
			if strings.HasPrefix(h, "*.") && len(h) > 2 {
				suffix := strings.TrimPrefix(h, "*.")
				b, ok := wildBySuffix[suffix]
				if !ok {
					b = &wildcardBucket{suffix: suffix}
					wildBySuffix[suffix] = b
				}
				b.routes = append(b.routes, r)
				continue
			}
			t.byHost[h] = append(t.byHost[h], r)
		}
	}

	for h := range t.byHost {
		sortByPrefix(t.byHost[h])
	}
	for _, b := range wildBySuffix {
		sortByPrefix(b.routes)
		t.wildcard = append(t.wildcard, *b)
	}
	// more specific wildcard suffixes are checked first
	sort.SliceStable(t.wildcard, func(i, j int) bool {
		return len(t.wildcard[i].suffix) > len(t.wildcard[j].suffix)
	})
	sortByPrefix(t.any)

	return t
}

func sortByPrefix(rs []model.Route) {
	sort.SliceStable(rs, func(i, j int) bool {
		return len(rs[i].PathPrefix) > len(rs[j].PathPrefix)
	})
}

func (t *Table) Match(host, path string) *model.Route {
	h := strings.ToLower(hostOnly(host))
	if r := match(t.byHost[h], path); r != nil {
		return r
	}
	for _, b := range t.wildcard {
		if wildcardHostMatch(h, b.suffix) {
			if r := match(b.routes, path); r != nil {
				return r
			}
		}
	}
	return match(t.any, path)
}

func match(rs []model.Route, path string) *model.Route {
	for i := range rs {
		if PrefixMatch(path, rs[i].PathPrefix) {
			return &rs[i]
		}
	}
	return nil
}

// PrefixMatch ensures a prefix behaves like a path-segment prefix, not a raw
// string prefix.
// Examples:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func PrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// wildcardHostMatch reports whether a concrete host is matched by a wildcard
// suffix. "api.example.com" matches "example.com"; "example.com" itself does
// not (only subdomains match).
func wildcardHostMatch(host, suffix string) bool {
	if host == "" || suffix == "" {
		return false
	}
	if len(host) <= len(suffix) {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	idx := len(host) - len(suffix) - 1
	return idx >= 0 && host[idx] == '.'
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
