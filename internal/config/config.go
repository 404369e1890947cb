package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brinkhq/brink/internal/model"
)

type rawConfig struct {
	Listeners []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		TLS     *struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
		Forward     string `yaml:"forward"`
		IdleTimeout string `yaml:"idle_timeout"`
	} `yaml:"listeners"`
	Admin struct {
		Address    string `yaml:"address"`
		PurgeToken string `yaml:"purge_token"`
	} `yaml:"admin"`
	Upstreams []struct {
		Name          string `yaml:"name"`
		Proto         string `yaml:"proto"`
		FailThreshold int    `yaml:"fail_threshold"`
		Cooldown      string `yaml:"cooldown"`
		Targets       []any  `yaml:"targets"`
		TLS           *struct {
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
			ServerName         string `yaml:"server_name"`
		} `yaml:"tls"`
	} `yaml:"upstreams"`
	Limits []struct {
		Name       string  `yaml:"name"`
		Rate       float64 `yaml:"rate"`
		Burst      int     `yaml:"burst"`
		MaxClients int     `yaml:"max_clients"`
	} `yaml:"limits"`
	Cache struct {
		Store          string `yaml:"store"`
		MaxEntries     int    `yaml:"max_entries"`
		MaxBytes       int64  `yaml:"max_bytes"`
		MaxObjectBytes int64  `yaml:"max_object_bytes"`
		SweepInterval  string `yaml:"sweep_interval"`
	} `yaml:"cache"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			Hosts      []string `yaml:"hosts"`
			PathPrefix string   `yaml:"path_prefix"`
		} `yaml:"match"`
		StaticRoot string `yaml:"static_root"`
		Target     string `yaml:"target"`
		Upstream   string `yaml:"upstream"`
		Limit      string `yaml:"limit"`
		Cache      *struct {
			TTL      string `yaml:"ttl"`
			Statuses []int  `yaml:"statuses"`
		} `yaml:"cache"`
		Options struct {
			PreserveHost bool   `yaml:"preserve_host"`
			HostRewrite  string `yaml:"host_rewrite"`
		} `yaml:"options"`
	} `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"access_log"`
}

type Listener struct {
	Name        string
	Address     string
	TLS         *TLSConfig
	Forward     string        // upstream name for L4 TCP forwarding; empty => HTTP
	IdleTimeout time.Duration // forward listeners only; 0 disables
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type AdminConfig struct {
	Address    string // empty => admin surface disabled
	PurgeToken string
}

type CacheConfig struct {
	Store          string // "lru" | "ristretto"
	MaxEntries     int
	MaxBytes       int64
	MaxObjectBytes int64
	SweepInterval  time.Duration
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type AccessLogConfig struct {
	Sampling float64 // fraction of requests logged, 1.0 = all
}

// Config is the validated, immutable configuration snapshot. A reload builds
// a whole new Config; nothing is mutated in place.
type Config struct {
	Listeners []Listener
	Admin     AdminConfig
	Upstreams map[string]model.Upstream
	Zones     map[string]model.ZoneConfig
	Cache     CacheConfig
	Routes    []model.Route
	Timeouts  Timeouts
	AccessLog AccessLogConfig
}

const (
	defaultFailThreshold  = 3
	defaultCooldown       = 10 * time.Second
	defaultMaxEntries     = 1024
	defaultMaxBytes       = 64 << 20
	defaultMaxObjectBytes = 1 << 20
	defaultSweepInterval  = time.Minute
	defaultUpstreamTO     = 10 * time.Second
)

// Load reads, expands and validates a YAML config file. ${VAR} references in
// the file body are substituted from the environment before parsing.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	cfg := &Config{
		Upstreams: make(map[string]model.Upstream),
		Zones:     make(map[string]model.ZoneConfig),
	}

	// upstreams
	for i, u := range rc.Upstreams {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("upstreams[%d]: name is required", i)
		}
		if _, dup := cfg.Upstreams[name]; dup {
			return nil, fmt.Errorf("upstreams: duplicate name %q", name)
		}
		proto := strings.ToLower(strings.TrimSpace(u.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto", "h2c":
		default:
			return nil, fmt.Errorf("upstreams[%d]: unknown proto %q", i, proto)
		}
		if len(u.Targets) == 0 {
			return nil, fmt.Errorf("upstreams[%d]: targets is empty", i)
		}
		targets := make([]model.Target, 0, len(u.Targets))
		primaries := 0
		for j, raw := range u.Targets {
			tc, err := parseTarget(raw)
			if err != nil {
				return nil, fmt.Errorf("upstreams[%d].targets[%d]: %w", i, j, err)
			}
			if !tc.Backup {
				primaries++
			}
			targets = append(targets, tc)
		}
		if primaries == 0 {
			return nil, fmt.Errorf("upstreams[%d]: at least one non-backup target is required", i)
		}
		cooldown := defaultCooldown
		if u.Cooldown != "" {
			if cooldown, err = time.ParseDuration(u.Cooldown); err != nil {
				return nil, fmt.Errorf("upstreams[%d].cooldown: %v", i, err)
			}
		}
		threshold := u.FailThreshold
		if threshold <= 0 {
			threshold = defaultFailThreshold
		}
		mu := model.Upstream{
			Name:          name,
			Proto:         proto,
			Targets:       targets,
			FailThreshold: threshold,
			Cooldown:      cooldown,
		}
		if u.TLS != nil {
			mu.TLS = &model.UpstreamTLS{
				InsecureSkipVerify: u.TLS.InsecureSkipVerify,
				ServerName:         u.TLS.ServerName,
			}
		}
		cfg.Upstreams[name] = mu
	}

	// rate-limit zones
	for i, l := range rc.Limits {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return nil, fmt.Errorf("limits[%d]: name is required", i)
		}
		if _, dup := cfg.Zones[name]; dup {
			return nil, fmt.Errorf("limits: duplicate name %q", name)
		}
		if l.Rate <= 0 {
			return nil, fmt.Errorf("limits[%d]: rate must be > 0", i)
		}
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		cfg.Zones[name] = model.ZoneConfig{
			Name:       name,
			Rate:       l.Rate,
			Burst:      burst,
			MaxClients: l.MaxClients,
		}
	}

	// cache store
	store := strings.ToLower(strings.TrimSpace(rc.Cache.Store))
	if store == "" {
		store = "lru"
	}
	if store != "lru" && store != "ristretto" {
		return nil, fmt.Errorf("cache.store: unknown store %q", rc.Cache.Store)
	}
	cfg.Cache = CacheConfig{
		Store:          store,
		MaxEntries:     rc.Cache.MaxEntries,
		MaxBytes:       rc.Cache.MaxBytes,
		MaxObjectBytes: rc.Cache.MaxObjectBytes,
		SweepInterval:  defaultSweepInterval,
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = defaultMaxEntries
	}
	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = defaultMaxBytes
	}
	if cfg.Cache.MaxObjectBytes <= 0 {
		cfg.Cache.MaxObjectBytes = defaultMaxObjectBytes
	}
	if rc.Cache.SweepInterval != "" {
		if cfg.Cache.SweepInterval, err = time.ParseDuration(rc.Cache.SweepInterval); err != nil {
			return nil, fmt.Errorf("cache.sweep_interval: %v", err)
		}
	}

	// routes
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}

		rt := model.Route{
			Name:         name,
			PathPrefix:   pfx,
			Limit:        strings.TrimSpace(r.Limit),
			PreserveHost: r.Options.PreserveHost,
			HostRewrite:  strings.TrimSpace(r.Options.HostRewrite),
		}
		for _, h := range r.Match.Hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				rt.Hosts = append(rt.Hosts, h)
			}
		}

		staticRoot := strings.TrimSpace(r.StaticRoot)
		target := strings.TrimSpace(r.Target)
		upstream := strings.TrimSpace(r.Upstream)
		set := 0
		for _, s := range []string{staticRoot, target, upstream} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("routes[%d]: exactly one of static_root, target, upstream is required", i)
		}
		switch {
		case staticRoot != "":
			rt.Kind = model.KindStatic
			rt.StaticRoot = staticRoot
		case target != "":
			rt.Kind = model.KindSingle
			u, err := parseTargetURL(target)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].target: %w", i, err)
			}
			rt.Target = &model.Target{URL: u, Weight: 1}
		default:
			rt.Kind = model.KindPool
			if _, ok := cfg.Upstreams[upstream]; !ok {
				return nil, fmt.Errorf("routes[%d]: upstream %q not found", i, upstream)
			}
			rt.Upstream = upstream
		}

		if rt.Limit != "" {
			if _, ok := cfg.Zones[rt.Limit]; !ok {
				return nil, fmt.Errorf("routes[%d]: limit %q not found", i, rt.Limit)
			}
		}
		if r.Cache != nil {
			if rt.Kind == model.KindStatic {
				return nil, fmt.Errorf("routes[%d]: cache policy on a static route", i)
			}
			ttl, err := time.ParseDuration(r.Cache.TTL)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].cache.ttl: %v", i, err)
			}
			if ttl <= 0 {
				return nil, fmt.Errorf("routes[%d].cache.ttl: must be > 0", i)
			}
			statuses := r.Cache.Statuses
			if len(statuses) == 0 {
				statuses = []int{200}
			}
			rt.Cache = &model.CachePolicy{TTL: ttl, Statuses: statuses}
		}

		cfg.Routes = append(cfg.Routes, rt)
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}

	// listeners
	seen := map[string]bool{}
	for i, l := range rc.Listeners {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			name = fmt.Sprintf("listener-%d", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("listeners: duplicate name %q", name)
		}
		seen[name] = true
		addr := strings.TrimSpace(l.Address)
		if addr == "" {
			return nil, fmt.Errorf("listeners[%d]: address is required", i)
		}
		ln := Listener{Name: name, Address: addr, Forward: strings.TrimSpace(l.Forward)}
		if l.TLS != nil {
			if l.TLS.CertFile == "" || l.TLS.KeyFile == "" {
				return nil, fmt.Errorf("listeners[%d]: tls requires cert_file and key_file", i)
			}
			ln.TLS = &TLSConfig{CertFile: l.TLS.CertFile, KeyFile: l.TLS.KeyFile}
		}
		if ln.Forward != "" {
			if _, ok := cfg.Upstreams[ln.Forward]; !ok {
				return nil, fmt.Errorf("listeners[%d]: forward upstream %q not found", i, ln.Forward)
			}
		}
		if l.IdleTimeout != "" {
			if ln.Forward == "" {
				return nil, fmt.Errorf("listeners[%d]: idle_timeout applies to forward listeners only", i)
			}
			if ln.IdleTimeout, err = time.ParseDuration(l.IdleTimeout); err != nil {
				return nil, fmt.Errorf("listeners[%d].idle_timeout: %v", i, err)
			}
		}
		cfg.Listeners = append(cfg.Listeners, ln)
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []Listener{{Name: "web", Address: ":8080"}}
	}

	cfg.Admin = AdminConfig{
		Address:    strings.TrimSpace(rc.Admin.Address),
		PurgeToken: strings.TrimSpace(rc.Admin.PurgeToken),
	}

	// timeouts
	cfg.Timeouts.Upstream = defaultUpstreamTO
	if rc.Timeouts.Read != "" {
		if cfg.Timeouts.Read, err = time.ParseDuration(rc.Timeouts.Read); err != nil {
			return nil, fmt.Errorf("timeouts.read: %v", err)
		}
	}
	if rc.Timeouts.Write != "" {
		if cfg.Timeouts.Write, err = time.ParseDuration(rc.Timeouts.Write); err != nil {
			return nil, fmt.Errorf("timeouts.write: %v", err)
		}
	}
	if rc.Timeouts.Upstream != "" {
		if cfg.Timeouts.Upstream, err = time.ParseDuration(rc.Timeouts.Upstream); err != nil {
			return nil, fmt.Errorf("timeouts.upstream: %v", err)
		}
	}

	cfg.AccessLog.Sampling = 1.0
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be in [0,1]")
		}
		cfg.AccessLog.Sampling = s
	}

	return cfg, nil
}

func parseTarget(raw any) (model.Target, error) {
	var rawURL string
	weight := 1
	backup := false

	switch v := raw.(type) {
	case string:
		rawURL = v
	case map[string]any:
		if u, ok := v["url"].(string); ok {
			rawURL = u
		}
		if w, ok := v["weight"].(int); ok {
			weight = w
		}
		if b, ok := v["backup"].(bool); ok {
			backup = b
		}
	default:
		return model.Target{}, fmt.Errorf("invalid target format")
	}

	u, err := parseTargetURL(rawURL)
	if err != nil {
		return model.Target{}, err
	}
	if weight <= 0 {
		return model.Target{}, fmt.Errorf("weight must be positive")
	}
	return model.Target{URL: u, Weight: weight, Backup: backup}, nil
}

func parseTargetURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url is required")
	}
	// bare host:port targets get the default scheme
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("must be http(s) URL with host")
	}
	return u, nil
}
