package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brinkhq/brink/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "brink.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const fullConfig = `
listeners:
  - name: web
    address: ":8080"
  - name: secure
    address: ":8443"
    tls:
      cert_file: /etc/brink/cert.pem
      key_file: /etc/brink/key.pem
  - name: pg
    address: ":15432"
    forward: db
    idle_timeout: 2m

admin:
  address: ":9100"
  purge_token: "${BRINK_TEST_TOKEN}"

upstreams:
  - name: api
    proto: h2c
    fail_threshold: 5
    cooldown: 30s
    targets:
      - url: "http://10.0.0.1:9000"
        weight: 5
      - url: "http://10.0.0.2:9000"
      - url: "http://10.0.0.3:9000"
        backup: true
  - name: db
    targets:
      - "10.0.1.1:5432"
  - name: secure-api
    targets:
      - "https://10.0.2.1:8443"
    tls:
      insecure_skip_verify: true
      server_name: internal.example

limits:
  - name: public
    rate: 10
    burst: 20
    max_clients: 1000

cache:
  store: lru
  max_entries: 512
  max_bytes: 1048576
  sweep_interval: 30s

routes:
  - name: assets
    match:
      path_prefix: /static
    static_root: ./public
  - name: api
    match:
      hosts: ["api.example.com", "*.api.example.com"]
      path_prefix: /
    upstream: api
    limit: public
    cache:
      ttl: 30s
      statuses: [200, 301]
    options:
      host_rewrite: internal.api
  - name: legacy
    match:
      path_prefix: /legacy
    target: "http://127.0.0.1:8081"
    options:
      preserve_host: true

timeouts:
  upstream: 5s

access_log:
  sampling: 0.5
`

func TestLoad_Full(t *testing.T) {
	t.Setenv("BRINK_TEST_TOKEN", "s3cret")

	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Listeners) != 3 {
		t.Fatalf("listeners: got %d, want 3", len(cfg.Listeners))
	}
	if cfg.Listeners[1].TLS == nil || cfg.Listeners[1].TLS.CertFile != "/etc/brink/cert.pem" {
		t.Fatalf("tls listener not parsed: %+v", cfg.Listeners[1])
	}
	if cfg.Listeners[2].Forward != "db" {
		t.Fatalf("forward listener: got %q, want db", cfg.Listeners[2].Forward)
	}
	if cfg.Listeners[2].IdleTimeout != 2*time.Minute {
		t.Fatalf("idle_timeout: got %v, want 2m", cfg.Listeners[2].IdleTimeout)
	}
	if cfg.Admin.PurgeToken != "s3cret" {
		t.Fatalf("env expansion: got %q, want s3cret", cfg.Admin.PurgeToken)
	}

	api := cfg.Upstreams["api"]
	if api.Proto != "h2c" || api.FailThreshold != 5 || api.Cooldown != 30*time.Second {
		t.Fatalf("upstream api: %+v", api)
	}
	if len(api.Targets) != 3 {
		t.Fatalf("targets: got %d, want 3", len(api.Targets))
	}
	if api.Targets[0].Weight != 5 || api.Targets[1].Weight != 1 {
		t.Fatalf("weights: got %d/%d, want 5/1", api.Targets[0].Weight, api.Targets[1].Weight)
	}
	if !api.Targets[2].Backup {
		t.Fatalf("third target should be backup")
	}

	// bare host:port target gets http scheme and defaults
	db := cfg.Upstreams["db"]
	if db.Targets[0].URL.String() != "http://10.0.1.1:5432" {
		t.Fatalf("bare target: got %s", db.Targets[0].URL)
	}
	if db.Proto != "http1" || db.FailThreshold != 3 || db.Cooldown != 10*time.Second {
		t.Fatalf("upstream defaults: %+v", db)
	}

	sec := cfg.Upstreams["secure-api"]
	if sec.TLS == nil || !sec.TLS.InsecureSkipVerify || sec.TLS.ServerName != "internal.example" {
		t.Fatalf("upstream tls: %+v", sec.TLS)
	}
	if db.TLS != nil {
		t.Fatalf("upstream without tls block should have nil TLS")
	}

	z := cfg.Zones["public"]
	if z.Rate != 10 || z.Burst != 20 || z.MaxClients != 1000 {
		t.Fatalf("zone: %+v", z)
	}

	if cfg.Cache.MaxEntries != 512 || cfg.Cache.MaxBytes != 1048576 {
		t.Fatalf("cache: %+v", cfg.Cache)
	}
	if cfg.Cache.MaxObjectBytes != 1<<20 {
		t.Fatalf("max_object_bytes default: got %d", cfg.Cache.MaxObjectBytes)
	}
	if cfg.Cache.SweepInterval != 30*time.Second {
		t.Fatalf("sweep_interval: got %v", cfg.Cache.SweepInterval)
	}

	if len(cfg.Routes) != 3 {
		t.Fatalf("routes: got %d, want 3", len(cfg.Routes))
	}
	if cfg.Routes[0].Kind != model.KindStatic || cfg.Routes[0].StaticRoot != "./public" {
		t.Fatalf("static route: %+v", cfg.Routes[0])
	}
	apiRoute := cfg.Routes[1]
	if apiRoute.Kind != model.KindPool || apiRoute.Upstream != "api" || apiRoute.Limit != "public" {
		t.Fatalf("pool route: %+v", apiRoute)
	}
	if len(apiRoute.Hosts) != 2 || apiRoute.Hosts[1] != "*.api.example.com" {
		t.Fatalf("hosts: %v", apiRoute.Hosts)
	}
	if apiRoute.Cache == nil || apiRoute.Cache.TTL != 30*time.Second || len(apiRoute.Cache.Statuses) != 2 {
		t.Fatalf("cache policy: %+v", apiRoute.Cache)
	}
	if apiRoute.HostRewrite != "internal.api" {
		t.Fatalf("host_rewrite: got %q", apiRoute.HostRewrite)
	}
	legacy := cfg.Routes[2]
	if legacy.Kind != model.KindSingle || legacy.Target == nil || !legacy.PreserveHost {
		t.Fatalf("single route: %+v", legacy)
	}

	if cfg.Timeouts.Upstream != 5*time.Second {
		t.Fatalf("upstream timeout: got %v", cfg.Timeouts.Upstream)
	}
	if cfg.AccessLog.Sampling != 0.5 {
		t.Fatalf("sampling: got %v", cfg.AccessLog.Sampling)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
routes:
  - match:
      path_prefix: /
    static_root: ./public
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != ":8080" {
		t.Fatalf("default listener: %+v", cfg.Listeners)
	}
	if cfg.Cache.Store != "lru" || cfg.Cache.MaxEntries != 1024 || cfg.Cache.MaxBytes != 64<<20 {
		t.Fatalf("cache defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.SweepInterval != time.Minute {
		t.Fatalf("sweep default: got %v", cfg.Cache.SweepInterval)
	}
	if cfg.Timeouts.Upstream != 10*time.Second {
		t.Fatalf("upstream timeout default: got %v", cfg.Timeouts.Upstream)
	}
	if cfg.AccessLog.Sampling != 1.0 {
		t.Fatalf("sampling default: got %v", cfg.AccessLog.Sampling)
	}
	if cfg.Routes[0].Name != "route-0" {
		t.Fatalf("route name default: got %q", cfg.Routes[0].Name)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"no routes",
			`listeners: [{name: web, address: ":8080"}]`,
			"at least one",
		},
		{
			"unknown upstream ref",
			`
routes:
  - match: {path_prefix: /}
    upstream: ghost
`,
			`upstream "ghost" not found`,
		},
		{
			"unknown limit ref",
			`
routes:
  - match: {path_prefix: /}
    static_root: ./public
    limit: ghost
`,
			`limit "ghost" not found`,
		},
		{
			"bad prefix",
			`
routes:
  - match: {path_prefix: api}
    static_root: ./public
`,
			"path_prefix must start",
		},
		{
			"two backends",
			`
upstreams:
  - name: api
    targets: ["10.0.0.1:80"]
routes:
  - match: {path_prefix: /}
    static_root: ./public
    upstream: api
`,
			"exactly one of",
		},
		{
			"duplicate upstream",
			`
upstreams:
  - name: api
    targets: ["10.0.0.1:80"]
  - name: api
    targets: ["10.0.0.2:80"]
routes:
  - match: {path_prefix: /}
    upstream: api
`,
			"duplicate name",
		},
		{
			"backup only",
			`
upstreams:
  - name: api
    targets:
      - url: "10.0.0.1:80"
        backup: true
routes:
  - match: {path_prefix: /}
    upstream: api
`,
			"non-backup",
		},
		{
			"negative rate",
			`
limits:
  - name: z
    rate: -1
routes:
  - match: {path_prefix: /}
    static_root: ./public
`,
			"rate must be",
		},
		{
			"cache on static route",
			`
routes:
  - match: {path_prefix: /}
    static_root: ./public
    cache: {ttl: 10s}
`,
			"static route",
		},
		{
			"idle_timeout without forward",
			`
listeners:
  - name: web
    address: ":8080"
    idle_timeout: 30s
routes:
  - match: {path_prefix: /}
    static_root: ./public
`,
			"forward listeners only",
		},
		{
			"forward to unknown upstream",
			`
listeners:
  - name: l4
    address: ":9000"
    forward: ghost
routes:
  - match: {path_prefix: /}
    static_root: ./public
`,
			`forward upstream "ghost" not found`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("want error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error: got %q, want substring %q", err, tc.want)
			}
		})
	}
}
