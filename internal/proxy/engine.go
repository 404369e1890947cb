// Package proxy is the request pipeline: route match, admission control,
// cache lookup, backend selection, forwarding, cache insertion.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brinkhq/brink/internal/cache"
	"github.com/brinkhq/brink/internal/config"
	fwd "github.com/brinkhq/brink/internal/forward"
	"github.com/brinkhq/brink/internal/lb"
	"github.com/brinkhq/brink/internal/metrics"
	"github.com/brinkhq/brink/internal/model"
	"github.com/brinkhq/brink/internal/ratelimit"
	"github.com/brinkhq/brink/internal/router"
	"github.com/brinkhq/brink/internal/static"
)

// State is one immutable configuration generation. A reload swaps the whole
// State; in-flight requests finish on the generation they started with.
type State struct {
	Routes          *router.Table
	pools           map[string]*lb.Pool   // keyed by upstream name
	singles         map[string]*lb.Single // keyed by route name
	statics         map[string]http.Handler
	protos          map[string]string // upstream name -> transport name
	UpstreamTimeout time.Duration
	Sampling        float64
}

// Engine serves every HTTP listener. The cache and rate-limit tables live on
// the Engine, not the State, so their contents survive a reload.
type Engine struct {
	stateMu sync.RWMutex
	state   *State

	Transports fwd.Factory
	Cache      cache.Store
	Limits     *ratelimit.Limits
	Metrics    *metrics.Registry
	Log        zerolog.Logger

	maxObjectBytes int64
}

var _ http.Handler = (*Engine)(nil)

func NewEngine(cfg *config.Config, transports fwd.Factory, store cache.Store, limits *ratelimit.Limits, m *metrics.Registry, log zerolog.Logger) *Engine {
	limits.Apply(cfg.Zones)
	registerTransports(transports, cfg)
	return &Engine{
		state:          buildState(cfg),
		Transports:     transports,
		Cache:          store,
		Limits:         limits,
		Metrics:        m,
		Log:            log,
		maxObjectBytes: cfg.Cache.MaxObjectBytes,
	}
}

// Reload installs a new configuration generation. Rate-limit buckets are
// reconciled in place; pool health state starts fresh.
func (e *Engine) Reload(cfg *config.Config) {
	registerTransports(e.Transports, cfg)
	newState := buildState(cfg)
	e.Limits.Apply(cfg.Zones)
	e.stateMu.Lock()
	e.state = newState
	e.stateMu.Unlock()
}

func buildState(cfg *config.Config) *State {
	s := &State{
		Routes:          router.New(cfg.Routes),
		pools:           make(map[string]*lb.Pool),
		singles:         make(map[string]*lb.Single),
		statics:         make(map[string]http.Handler),
		protos:          make(map[string]string),
		UpstreamTimeout: cfg.Timeouts.Upstream,
		Sampling:        cfg.AccessLog.Sampling,
	}
	for name, up := range cfg.Upstreams {
		s.pools[name] = lb.NewPool(up)
		if up.TLS != nil {
			// custom TLS gets a dedicated transport registered under the
			// upstream's own name
			s.protos[name] = name
		} else {
			s.protos[name] = up.Proto
		}
	}
	for _, r := range cfg.Routes {
		switch r.Kind {
		case model.KindStatic:
			s.statics[r.Name] = static.New(r.StaticRoot)
		case model.KindSingle:
			s.singles[r.Name] = lb.NewSingle(*r.Target)
		}
	}
	return s
}

// registerTransports builds per-upstream transports for upstreams carrying a
// custom TLS config.
func registerTransports(f fwd.Factory, cfg *config.Config) {
	for name, up := range cfg.Upstreams {
		if up.TLS == nil {
			continue
		}
		f.RegisterCustom(name, &tls.Config{
			InsecureSkipVerify: up.TLS.InsecureSkipVerify,
			ServerName:         up.TLS.ServerName,
		}, up.Proto)
	}
}

// PoolSnapshots reports target health for the admin surface.
func (e *Engine) PoolSnapshots() map[string][]lb.TargetStatus {
	e.stateMu.RLock()
	state := e.state
	e.stateMu.RUnlock()

	out := make(map[string][]lb.TargetStatus, len(state.pools))
	for name, p := range state.pools {
		out[name] = p.Snapshot()
	}
	return out
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.stateMu.RLock()
	state := e.state
	e.stateMu.RUnlock()

	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	requestID := uuid.NewString()
	var routeName, upstreamAddr string
	cacheOutcome := ""
	rlOutcome := ""
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		if state.Sampling >= 1.0 || rand.Float64() <= state.Sampling {
			ev := e.Log.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", routeName).
				Int("status", status).
				Int64("duration_ms", duration.Milliseconds()).
				Int64("bytes", lw.bytes).
				Str("remote_ip", clientIP(r.RemoteAddr))
			if upstreamAddr != "" {
				ev = ev.Str("upstream", upstreamAddr)
			}
			if cacheOutcome != "" {
				ev = ev.Str("cache", cacheOutcome)
			}
			if rlOutcome != "" {
				ev = ev.Str("ratelimit", rlOutcome)
			}
			ev.Msg("request")
		}

		if e.Metrics != nil {
			e.Metrics.IncRequest(routeName, r.Method, strconv.Itoa(status))
			e.Metrics.ObserveLatency(routeName, duration)
		}
	}()

	route := state.Routes.Match(r.Host, r.URL.Path)
	if route == nil {
		http.NotFound(lw, r)
		return
	}
	routeName = route.Name

	if route.Limit != "" {
		if !e.Limits.Allow(route.Limit, clientIP(r.RemoteAddr)) {
			rlOutcome = "rejected"
			if e.Metrics != nil {
				e.Metrics.IncRateLimited(route.Limit)
			}
			lw.Header().Set("Retry-After", "1")
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		rlOutcome = "ok"
	}

	if route.Kind == model.KindStatic {
		e.serveStatic(state, route, lw, r)
		return
	}

	// Cache lookup before any backend work.
	cacheable := route.Cache != nil && cache.CacheableMethod(r.Method)
	var key string
	if cacheable {
		key = cache.RequestKey(r, nil)
		if ent, ok := e.Cache.Get(key); ok {
			cacheOutcome = "hit"
			if e.Metrics != nil {
				e.Metrics.IncCacheEvent("hit")
			}
			serveEntry(lw, r, ent)
			return
		}
		cacheOutcome = "miss"
	} else if route.Cache != nil {
		cacheOutcome = "bypass"
	}
	if cacheOutcome != "" && cacheOutcome != "hit" && e.Metrics != nil {
		e.Metrics.IncCacheEvent(cacheOutcome)
	}

	picker, tr, upstreamName := e.backend(state, route)
	if picker == nil {
		http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	claim, err := picker.Pick(nil)
	if err != nil {
		http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	resUp, cancel, err := e.attempt(state, route, tr, claim, r)
	if err != nil {
		claim.Feedback(false)
		claim.Release()
		e.Log.Warn().Str("request_id", requestID).Str("upstream", claim.Target().Addr()).Err(err).Msg("upstream error")

		// One retry against a different target, and only when the request
		// body cannot have been consumed by the failed attempt.
		if retryable(r) {
			if next, perr := picker.Pick(claim.Target()); perr == nil {
				if e.Metrics != nil {
					e.Metrics.IncRetry(upstreamName)
				}
				claim = next
				resUp, cancel, err = e.attempt(state, route, tr, claim, r)
				if err != nil {
					claim.Feedback(false)
					claim.Release()
				}
			}
		}
		if err != nil {
			http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
	}
	defer claim.Release()
	defer cancel()
	defer func() { _ = resUp.Body.Close() }()
	upstreamAddr = claim.Target().Addr()

	// A 5xx counts against passive health but is still relayed as-is.
	claim.Feedback(resUp.StatusCode < 500)

	dropHopByHop(resUp.Header)

	if cacheable {
		if ttl, ok := cache.Decision(resUp.StatusCode, resUp.Header, route.Cache); ok {
			e.serveAndStore(lw, r, resUp, key, ttl)
			return
		}
	}

	copyHeaders(lw.Header(), resUp.Header)
	if cacheable {
		lw.Header().Set("X-Cache", "MISS")
	}
	announceTrailers(lw.Header(), resUp.Trailer)

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, _ = io.Copy(lw, resUp.Body)
	copyTrailers(lw.Header(), resUp.Trailer)
}

func (e *Engine) backend(state *State, route *model.Route) (lb.Picker, http.RoundTripper, string) {
	switch route.Kind {
	case model.KindSingle:
		if s, ok := state.singles[route.Name]; ok {
			return s, e.Transports.Get(fwd.ProtoHTTP1), route.Name
		}
	case model.KindPool:
		if p, ok := state.pools[route.Upstream]; ok {
			return p, e.Transports.Get(state.protos[route.Upstream]), route.Upstream
		}
	}
	return nil, nil, ""
}

// attempt forwards the request to the claimed target. The returned cancel
// releases the per-attempt timeout and must be called after the response body
// is drained.
func (e *Engine) attempt(state *State, route *model.Route, tr http.RoundTripper, claim *lb.Claim, r *http.Request) (*http.Response, context.CancelFunc, error) {
	base := claim.URL()
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if state.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, state.UpstreamTimeout)
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	reqUp.Header = hdr

	switch {
	case route.HostRewrite != "":
		reqUp.Host = route.HostRewrite
	case route.PreserveHost:
		reqUp.Host = r.Host
	default:
		reqUp.Host = base.Host
	}

	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resUp, cancel, nil
}

func (e *Engine) serveStatic(state *State, route *model.Route, w http.ResponseWriter, r *http.Request) {
	h, ok := state.statics[route.Name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = routePath(r.URL.Path, route.PathPrefix)
	h.ServeHTTP(w, r2)
}

// serveAndStore buffers the response up to the per-object limit, inserts it,
// and serves the buffered copy. Oversized bodies fall back to streaming.
func (e *Engine) serveAndStore(w *loggingResponseWriter, r *http.Request, resUp *http.Response, key string, ttl time.Duration) {
	limited := io.LimitReader(resUp.Body, e.maxObjectBytes+1)
	body, err := io.ReadAll(limited)
	tooBig := err == nil && int64(len(body)) > e.maxObjectBytes

	copyHeaders(w.Header(), resUp.Header)
	w.Header().Set("X-Cache", "MISS")

	if err != nil || tooBig {
		if e.Metrics != nil {
			e.Metrics.IncCacheEvent("reject")
		}
		w.WriteHeader(resUp.StatusCode)
		if r.Method != http.MethodHead {
			_, _ = w.Write(body)
			_, _ = io.Copy(w, resUp.Body)
		}
		return
	}

	now := time.Now()
	ent := &cache.Entry{
		Status:     resUp.StatusCode,
		Header:     cache.CloneHeader(resUp.Header),
		Body:       body,
		StoredAt:   now,
		ValidUntil: now.Add(ttl),
	}
	if e.Metrics != nil {
		if e.Cache.Set(key, ent) {
			e.Metrics.IncCacheEvent("store")
		} else {
			e.Metrics.IncCacheEvent("reject")
		}
	} else {
		e.Cache.Set(key, ent)
	}

	w.WriteHeader(resUp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func serveEntry(w http.ResponseWriter, r *http.Request, ent *cache.Entry) {
	copyHeaders(w.Header(), ent.Header)
	w.Header().Set("X-Cache", "HIT")
	age := int(time.Since(ent.StoredAt).Seconds())
	if age < 0 {
		age = 0
	}
	w.Header().Set("Age", strconv.Itoa(age))
	w.WriteHeader(ent.Status)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, bytes.NewReader(ent.Body))
	}
}

// retryable reports whether a failed attempt may be retried on another
// target. Only bodyless requests qualify: a consumed body cannot be resent.
func retryable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return r.ContentLength == 0
}

// routePath strips the matched route prefix, keeping a leading slash so the
// result is still a valid request path.
func routePath(path, prefix string) string {
	if prefix == "/" || prefix == "" {
		return path
	}
	p := strings.TrimSuffix(prefix, "/")
	rest := strings.TrimPrefix(path, p)
	if rest == "" {
		return "/"
	}
	return rest
}

func clientIP(remoteAddr string) string {
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil && ip != "" {
		return ip
	}
	return remoteAddr
}

// --- header plumbing ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

func announceTrailers(h http.Header, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	h.Set("Trailer", strings.Join(keys, ","))
}

func copyTrailers(h http.Header, trailer http.Header) {
	for k, vv := range trailer {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
