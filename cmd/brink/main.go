package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/brinkhq/brink/internal/admin"
	"github.com/brinkhq/brink/internal/cache"
	cfgpkg "github.com/brinkhq/brink/internal/config"
	fwd "github.com/brinkhq/brink/internal/forward"
	"github.com/brinkhq/brink/internal/lb"
	"github.com/brinkhq/brink/internal/metrics"
	"github.com/brinkhq/brink/internal/proxy"
	"github.com/brinkhq/brink/internal/ratelimit"
	"github.com/brinkhq/brink/internal/tcpproxy"
	"github.com/brinkhq/brink/internal/tlsreload"
)

func main() {
	configPath := flag.String("config", "./brink.yaml", "path to YAML config")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("BRINK_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	store, err := buildStore(cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("cache store")
	}
	defer store.Close()

	transports := fwd.NewDefaultRegistry()
	limits := ratelimit.NewLimits()
	m := metrics.NewRegistry()
	engine := proxy.NewEngine(cfg, transports, store, limits, m, log)

	var (
		servers   []*http.Server
		l4Closers []net.Listener
		holders   = map[string]*tlsreload.Holder{}
	)

	for _, l := range cfg.Listeners {
		if l.Forward != "" {
			pool := lb.NewPool(cfg.Upstreams[l.Forward])
			p := tcpproxy.New(pool, l.Name, l.IdleTimeout, m, log)
			ln, err := net.Listen("tcp", l.Address)
			if err != nil {
				log.Fatal().Err(err).Str("listener", l.Name).Msg("listen")
			}
			l4Closers = append(l4Closers, ln)
			log.Info().Str("listener", l.Name).Str("address", l.Address).Str("forward", l.Forward).Msg("tcp listener up")
			go func() {
				if err := p.Serve(ln); err != nil {
					log.Error().Err(err).Msg("tcp serve")
				}
			}()
			continue
		}

		name := l.Name
		srv := &http.Server{
			Addr:              l.Address,
			Handler:           engine,
			ReadTimeout:       cfg.Timeouts.Read,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Timeouts.Write,
			IdleTimeout:       60 * time.Second,
			ConnState: func(_ net.Conn, st http.ConnState) {
				switch st {
				case http.StateNew:
					m.IncActiveConns(name)
				case http.StateClosed, http.StateHijacked:
					m.DecActiveConns(name)
				}
			},
		}

		if l.TLS != nil {
			holder, err := tlsreload.New(l.TLS.CertFile, l.TLS.KeyFile)
			if err != nil {
				log.Fatal().Err(err).Str("listener", name).Msg("tls")
			}
			holders[name] = holder
			srv.TLSConfig = &tls.Config{GetCertificate: holder.GetCertificate}
			go func() {
				if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Str("listener", name).Msg("listen tls")
				}
			}()
		} else {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Str("listener", name).Msg("listen")
				}
			}()
		}
		servers = append(servers, srv)
		log.Info().Str("listener", name).Str("address", l.Address).Bool("tls", l.TLS != nil).Msg("listener up")
	}

	if cfg.Admin.Address != "" {
		adm := &admin.Server{
			Store:     store,
			Metrics:   m,
			Snapshots: engine.PoolSnapshots,
			Token:     cfg.Admin.PurgeToken,
		}
		admSrv := &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           adm.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, admSrv)
		go func() {
			if err := admSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("admin listen")
			}
		}()
		log.Info().Str("address", cfg.Admin.Address).Msg("admin up")
	}

	log.Info().Int("routes", len(cfg.Routes)).Int("upstreams", len(cfg.Upstreams)).Msg("brink started")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := cfgpkg.Load(*configPath)
			if err != nil {
				log.Error().Err(err).Msg("reload rejected, keeping current config")
				continue
			}
			engine.Reload(next)
			for name, h := range holders {
				if err := h.Reload(); err != nil {
					log.Error().Err(err).Str("listener", name).Msg("cert reload failed, keeping current cert")
				}
			}
			transports.CloseIdle()
			log.Info().Int("routes", len(next.Routes)).Msg("config reloaded")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutting down")

	for _, ln := range l4Closers {
		_ = ln.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

func buildStore(c cfgpkg.CacheConfig) (cache.Store, error) {
	switch c.Store {
	case "ristretto":
		return cache.NewRistretto(c.MaxEntries, c.MaxBytes)
	case "lru", "":
		return cache.NewLRU(c.MaxEntries, c.MaxBytes, c.SweepInterval), nil
	}
	return nil, fmt.Errorf("unknown cache store %q", c.Store)
}
