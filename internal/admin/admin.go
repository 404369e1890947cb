// Package admin is the operator-facing HTTP surface: health, metrics,
// upstream status and cache purging. It binds its own listener, never the
// proxy's.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/brinkhq/brink/internal/cache"
	"github.com/brinkhq/brink/internal/lb"
	"github.com/brinkhq/brink/internal/metrics"
)

type Server struct {
	Store     cache.Store
	Metrics   *metrics.Registry
	Snapshots func() map[string][]lb.TargetStatus
	Token     string // required on purge requests when non-empty
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/upstreams", s.handleUpstreams).Methods(http.MethodGet)
	r.HandleFunc("/cache/purge", s.handlePurge).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.Metrics != nil {
		s.Metrics.WritePrometheus(w)
	}
}

func (s *Server) handleUpstreams(w http.ResponseWriter, _ *http.Request) {
	snap := map[string][]lb.TargetStatus{}
	if s.Snapshots != nil {
		snap = s.Snapshots()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handlePurge drops cache contents. With ?path= (and optional &host=) only
// the GET and HEAD entries for that exact path are invalidated; without it
// the whole store is emptied.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("X-Purge-Token") != s.Token {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	purged := 0
	if path := r.URL.Query().Get("path"); path != "" {
		host := r.URL.Query().Get("host")
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			if s.Store.Invalidate(cache.Key(method, host, path, nil)) {
				purged++
			}
		}
	} else {
		purged = s.Store.Purge()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"purged": purged})
}
