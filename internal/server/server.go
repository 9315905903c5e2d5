package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/QuotaGate/internal/auth"
	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/cache"
	"github.com/AlexKimmel/QuotaGate/internal/config"
	"github.com/AlexKimmel/QuotaGate/internal/gateway"
	"github.com/AlexKimmel/QuotaGate/internal/obs"
	"github.com/AlexKimmel/QuotaGate/internal/routing"
	"github.com/AlexKimmel/QuotaGate/internal/upstream"
)

var Version = "v0.1.0"

type Server struct {
	log     zerolog.Logger
	broker  *broker.Broker
	handler http.Handler
	http    *http.Server
}

// New wires the broker, upstream client, cache and HTTP surface from cfg.
// A nil fetcher builds the upstream client from cfg.Upstream.
func New(cfg *config.Root, log zerolog.Logger, fetcher gateway.Fetcher) (*Server, error) {
	bcfg, err := cfg.Broker.Config()
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		client, err := upstream.New(upstream.Options{
			BaseURL:      cfg.Upstream.URL,
			APIKey:       cfg.Upstream.Key(),
			APIKeyParam:  cfg.Upstream.APIKeyParam,
			Timeout:      cfg.Upstream.Timeout(),
			MaxBodyBytes: cfg.Upstream.MaxBodyBytes,
		})
		if err != nil {
			return nil, err
		}
		fetcher = client
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	b := broker.New(bcfg, broker.WithLogger(log), broker.WithObserver(metrics))
	respCache := cache.New[string, *upstream.Response]()

	router := routing.New()
	for _, rc := range cfg.Routes {
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		router.Add(&routing.Route{
			ID:           rc.ID,
			Methods:      methods,
			Prefix:       rc.Match.PathPrefix,
			UpstreamPath: rc.Upstream.Path,
			CacheTTL:     rc.CacheTTL(cfg.Cache.DefaultTTL()),
		})
	}

	keys := map[string]auth.Identity{}
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			keys[k.Secret] = auth.Identity{ID: k.ID, Admin: k.Admin}
		}
	}
	if len(keys) == 0 {
		log.Warn().Msg("no api keys configured, every gateway request will be rejected")
	}
	authStore := auth.NewStatic(cfg.Auth.Header, keys)

	metricsPath := cfg.Observability.PrometheusPath
	skip := map[string]struct{}{
		"/health":   {},
		"/version":  {},
		metricsPath: {},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(Version))
	})
	mux.Handle("GET "+metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	gateway.NewAdmin(b, respCache).Routes(mux, auth.RequireAdmin)

	bp := bcfg.Budget
	mux.Handle("/", gateway.Chain(
		gateway.NewFetchHandler(b, fetcher, respCache, metrics).WithMaxWait(cfg.Server.QueueWait()),
		gateway.RouteMatcher(router),
		metrics.Middleware(nil),
		gateway.QuotaHeaders(b, bp.PerMinute, bp.PerDay),
	))

	handler := gateway.Chain(
		mux,
		obs.Logger(log),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
	)

	s := &Server{
		log:     log,
		broker:  b,
		handler: handler,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout(),
			IdleTimeout:       cfg.Server.IdleTimeout(),
			ReadTimeout:       cfg.Server.ReadTimeout(),
		},
	}

	log.Info().
		Int("per_minute", bp.PerMinute).
		Int("per_day", bp.PerDay).
		Int("max_retries", bcfg.Retry.MaxRetries).
		Int("routes", len(cfg.Routes)).
		Msg("broker configured")
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Broker() *broker.Broker { return s.broker }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			_ = s.broker.Close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes the broker first so handlers still waiting on tickets
// answer right away, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	st := s.broker.Status()
	brokerErr := s.broker.Close(ctx)
	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.log.Error().Err(httpErr).Msg("graceful shutdown failed")
	}
	s.log.Info().Int("pending", st.QueueLength).Int("calls_today", st.CallsToday).Msg("bye")
	return errors.Join(brokerErr, httpErr)
}
