package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/admission"
	"github.com/renja-g/RiftGuard/internal/breaker"
	"github.com/renja-g/RiftGuard/internal/config"
	"github.com/renja-g/RiftGuard/internal/metrics"
	"github.com/renja-g/RiftGuard/internal/policy"
	"github.com/renja-g/RiftGuard/internal/proxy"
	"github.com/renja-g/RiftGuard/internal/swagger"
	"github.com/renja-g/RiftGuard/internal/transport"
)

type Server struct {
	cfg         config.Config
	logger      *zap.Logger
	server      *http.Server
	coord       *admission.Coordinator
	housekeeper *admission.Housekeeper
}

func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var collector *metrics.Collector
	if cfg.Server.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	defaults, err := cfg.Limits.Defaults()
	if err != nil {
		return nil, fmt.Errorf("default limits: %w", err)
	}
	resolverOpts := []policy.Option{policy.WithLogger(logger), policy.WithDefaults(defaults)}
	if table := cfg.Limits.EndpointTable(); table != nil {
		resolverOpts = append(resolverOpts, policy.WithEndpoints(table))
	}

	var b breaker.Breaker
	if cfg.Breaker.Enabled {
		b = breaker.NewFailsafe(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			FailureCapacity:  cfg.Breaker.FailureCapacity,
			Delay:            cfg.Breaker.Delay,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Logger:           logger,
		})
	}

	coordCfg := admission.Config{
		Resolver:         policy.NewResolver(resolverOpts...),
		Breaker:          b,
		Logger:           logger,
		Shards:           cfg.Limits.Shards,
		Retention:        cfg.Housekeeping.Retention,
		RecalcInterval:   cfg.Adaptation.RecalcInterval,
		DefaultRetryHint: cfg.Adaptation.DefaultRetryHint,
	}
	if collector != nil {
		coordCfg.Metrics = collector
	}
	coord := admission.New(coordCfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if collector != nil {
		r.Handle("/metrics", collector)
	}
	if cfg.Server.PprofEnabled {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/{profile}", http.HandlerFunc(pprof.Index))
	}
	if cfg.Server.DocsEnabled {
		r.Handle("/docs/*", swagger.NewHandler(cfg.Upstream.OpenAPIURL, swagger.WithLogger(logger)))
	}
	r.Route("/admin", func(r chi.Router) {
		newAdminAPI(coord, logger).routes(r)
	})

	if cfg.Server.RelayEnabled {
		upstream, err := cfg.Upstream.URL()
		if err != nil {
			return nil, err
		}

		base := transport.WithRequestTimeout(transport.New(cfg.Upstream.Transport), cfg.Upstream.Timeout)
		rt := transport.NewAdmitting(base, coord,
			transport.WithBreaker(b),
			transport.WithHonorDelay(cfg.Upstream.HonorDelay),
			transport.WithLogger(logger),
		)

		relay := proxy.New(upstream, proxy.WithTransport(rt), proxy.WithLogger(logger))
		if collector != nil {
			relay = collector.Middleware(relay)
		}
		r.Handle("/*", relay)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return &Server{
		cfg:         cfg,
		logger:      logger,
		server:      srv,
		coord:       coord,
		housekeeper: admission.NewHousekeeper(coord, cfg.Housekeeping.Interval, logger),
	}, nil
}

// Coordinator exposes the admission coordinator for in-process callers.
func (s *Server) Coordinator() *admission.Coordinator {
	return s.coord
}

func (s *Server) Start(ctx context.Context) error {
	s.housekeeper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("RiftGuard listening",
			zap.String("addr", s.server.Addr),
			zap.Bool("relay", s.cfg.Server.RelayEnabled),
			zap.String("upstream", s.cfg.Upstream.BaseURL),
		)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(stopCtx)
	case err := <-errCh:
		s.housekeeper.Stop()
		if err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.housekeeper.Stop()
	return errors.Join(errs...)
}
