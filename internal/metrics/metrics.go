package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds metrics. Keys are "name|labels".
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var help = map[string]string{
	"requests_total":           "Total number of requests",
	"cache_events_total":       "Cache lookups by outcome (hit, miss, bypass, store, reject)",
	"ratelimit_rejected_total": "Requests rejected by rate limiting",
	"upstream_retries_total":   "Forward attempts retried against another target",
	"active_connections":       "Number of active client connections",
	"upstream_latency_seconds": "Time spent serving a proxied request",
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(route, method, status string) {
	r.incCounter(fmt.Sprintf("requests_total|route=%q,method=%q,status=%q", route, method, status))
}

func (r *Registry) IncCacheEvent(outcome string) {
	r.incCounter(fmt.Sprintf("cache_events_total|outcome=%q", outcome))
}

func (r *Registry) IncRateLimited(zone string) {
	r.incCounter(fmt.Sprintf("ratelimit_rejected_total|zone=%q", zone))
}

func (r *Registry) IncRetry(upstream string) {
	r.incCounter(fmt.Sprintf("upstream_retries_total|upstream=%q", upstream))
}

func (r *Registry) incCounter(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncActiveConns(listener string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[fmt.Sprintf("active_connections|listener=%q", listener)]++
}

func (r *Registry) DecActiveConns(listener string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[fmt.Sprintf("active_connections|listener=%q", listener)]--
}

func (r *Registry) ObserveLatency(route string, duration time.Duration) {
	key := fmt.Sprintf("upstream_latency_seconds|route=%q", route)
	val := duration.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: defaultBuckets,
			Counts:  make([]uint64, len(defaultBuckets)),
		}
		r.histograms[key] = h
	}

	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

// WritePrometheus renders the registry in text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prev := ""
	for _, k := range keys {
		name, labels, ok := splitKey(k)
		if !ok {
			continue
		}
		if name != prev {
			writeHeader(w, name, "counter")
			prev = name
		}
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.counters[k])
	}

	keys = keys[:0]
	for k := range r.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prev = ""
	for _, k := range keys {
		name, labels, ok := splitKey(k)
		if !ok {
			continue
		}
		if name != prev {
			writeHeader(w, name, "gauge")
			prev = name
		}
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.gauges[k])
	}

	keys = keys[:0]
	for k := range r.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prev = ""
	for _, k := range keys {
		name, labels, ok := splitKey(k)
		if !ok {
			continue
		}
		if name != prev {
			writeHeader(w, name, "histogram")
			prev = name
		}
		h := r.histograms[k]
		for i, b := range h.Buckets {
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
		}
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
		_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
		_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
	}
}

func splitKey(k string) (name, labels string, ok bool) {
	name, labels, ok = strings.Cut(k, "|")
	return
}

func writeHeader(w io.Writer, name, typ string) {
	if h, ok := help[name]; ok {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, h)
	}
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}
