package model

import (
	"net/url"
	"time"
)

// RouteKind selects what a matched route dispatches to.
type RouteKind int

const (
	KindStatic RouteKind = iota // serve files from a filesystem root
	KindSingle                  // fixed single target, no balancing
	KindPool                    // named upstream pool, weighted round-robin
)

func (k RouteKind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindSingle:
		return "single"
	case KindPool:
		return "pool"
	}
	return "unknown"
}

// Target is one backend address inside an upstream.
type Target struct {
	URL    *url.URL
	Weight int  // 0 means default (1)
	Backup bool // used only when no primary is eligible
}

// UpstreamTLS tunes the client TLS used toward an upstream's https targets.
type UpstreamTLS struct {
	InsecureSkipVerify bool
	ServerName         string
}

// Upstream is a named pool of targets sharing a protocol and health policy.
type Upstream struct {
	Name          string
	Proto         string // "http1" | "auto" | "h2c"
	Targets       []Target
	FailThreshold int           // consecutive failures before a target is marked down
	Cooldown      time.Duration // how long a down target is skipped
	TLS           *UpstreamTLS  // nil => default client TLS
}

// CachePolicy enables response caching for a route.
type CachePolicy struct {
	TTL      time.Duration
	Statuses []int // cacheable status codes, non-empty
}

// ZoneConfig is a named rate-limit zone shared by any number of routes.
type ZoneConfig struct {
	Name       string
	Rate       float64 // tokens per second
	Burst      int
	MaxClients int // bound on the per-zone bucket table
}

// Route match + action. Exactly one of StaticRoot/Target/Upstream is set,
// according to Kind.
type Route struct {
	Name       string
	Hosts      []string // exact or "*.suffix"; empty => any host
	PathPrefix string   // must start with "/"

	Kind       RouteKind
	StaticRoot string  // KindStatic
	Target     *Target // KindSingle
	Upstream   string  // KindPool: Upstream.Name

	Limit string       // ZoneConfig.Name; empty => no admission control
	Cache *CachePolicy // nil => never cached

	PreserveHost bool   // forward the client's Host header
	HostRewrite  string // if set, overrides PreserveHost
}
