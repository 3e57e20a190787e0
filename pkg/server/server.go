// Package server wires every component of the proxy together — queue, rate
// limiter, router, warm pool, process registry, classifier, event log, and
// dispatch engine — into a single ready-to-serve HTTP handler.
//
// This package lives in pkg/ so an operator embedding the proxy in a larger
// binary can call server.New and mount the returned handler itself.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claw-compactor/claude-code-proxy/internal/api"
	"github.com/claw-compactor/claude-code-proxy/internal/api/handlers"
	"github.com/claw-compactor/claude-code-proxy/internal/classify"
	"github.com/claw-compactor/claude-code-proxy/internal/config"
	"github.com/claw-compactor/claude-code-proxy/internal/dispatch"
	"github.com/claw-compactor/claude-code-proxy/internal/durable"
	"github.com/claw-compactor/claude-code-proxy/internal/durable/memory"
	"github.com/claw-compactor/claude-code-proxy/internal/durable/postgres"
	"github.com/claw-compactor/claude-code-proxy/internal/eventlog"
	"github.com/claw-compactor/claude-code-proxy/internal/queue"
	"github.com/claw-compactor/claude-code-proxy/internal/ratelimit"
	"github.com/claw-compactor/claude-code-proxy/internal/registry"
	"github.com/claw-compactor/claude-code-proxy/internal/router"
	"github.com/claw-compactor/claude-code-proxy/internal/telemetry"
	"github.com/claw-compactor/claude-code-proxy/internal/warmpool"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// Server holds every initialized component plus the composed HTTP handler.
type Server struct {
	Handler http.Handler
	Config  *config.Config
	Store   durable.Store

	queue    *queue.Queue
	warmPool *warmpool.Pool
	registry *registry.Registry
	router   *router.Router

	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and builds a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds the server from an explicit configuration, useful
// for tests that need non-default component options.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init durable store: %w", err)
	}

	q := queue.New(queue.Options{
		MaxConcurrent:            cfg.MaxConcurrent,
		MaxQueueTotal:            cfg.MaxQueueTotal,
		MaxQueuePerSource:        cfg.MaxQueuePerSource,
		QueueTimeout:             time.Duration(cfg.QueueTimeoutMs) * time.Millisecond,
		MaxLease:                 time.Duration(cfg.MaxLeaseMs) * time.Millisecond,
		SweepInterval:            5 * time.Second,
		DefaultSourceConcurrency: cfg.DefaultSourceConcurrency,
		SourceConcurrency:        cfg.SourceConcurrency,
	})
	q.Start(ctx)

	limiter := ratelimit.New(convertRateLimits(cfg), store)

	rt := router.New(cfg.Workers, router.Options{
		PrimaryWorker: cfg.PrimaryWorker,
		HealthCheck:   time.Duration(cfg.HealthCheckMs) * time.Millisecond,
		AffinityTTL:   30 * time.Minute,
		SweepInterval: 5 * time.Second,
	})
	rt.Start(ctx)

	reg := registry.New(registry.Options{
		MaxAge:       time.Duration(cfg.MaxProcessAgeMs) * time.Millisecond,
		MaxIdle:      time.Duration(cfg.MaxIdleMs) * time.Millisecond,
		ReapInterval: time.Duration(cfg.ReaperIntervalMs) * time.Millisecond,
	}, nil)
	reg.Start(ctx)

	events := eventlog.New(cfg.MaxEvents)
	classifier := classify.New()

	var wp *warmpool.Pool
	engine := dispatch.NewEngine(cfg, q, limiter, rt, nil, reg, classifier, events, store)
	wp = warmpool.New(warmpool.Options{
		MaxWarmPerKey: cfg.WarmPoolSize,
		MaxWarmAge:    time.Duration(cfg.WarmPoolMaxAgeMs) * time.Millisecond,
		SweepInterval: 10 * time.Second,
	}, engine.MakeWarmSpawner())
	engine.AttachWarmPool(wp)
	if cfg.WarmPoolEnabled {
		wp.Start(ctx)
	}

	apiBundle := &handlers.API{
		Engine:   engine,
		Queue:    q,
		Limiter:  limiter,
		Router:   rt,
		WarmPool: wp,
		Registry: reg,
		EventLog: events,
		Config:   cfg,
	}

	h := api.NewRouter(apiBundle, cfg.AuthToken)

	return &Server{
		Handler:      h,
		Config:       cfg,
		Store:        store,
		queue:        q,
		warmPool:     wp,
		registry:     reg,
		router:       rt,
		ShutdownFunc: shutdownTelemetry,
	}, nil
}

// Shutdown stops the background sweepers and kills tracked worker processes
// in order: the warm pool's sweep first, then every pid in the registry
// (anything still attached to an in-flight request), then the registry,
// queue and router sweepers, and finally it closes the durable store. Idle
// warm processes are not in the registry and are not terminated here.
func (s *Server) Shutdown(ctx context.Context) {
	if s.warmPool != nil && s.Config.WarmPoolEnabled {
		s.warmPool.Stop()
	}
	for _, e := range s.registry.GetAll() {
		s.registry.Kill(e.PID)
	}
	s.registry.Stop()
	s.queue.Stop()
	s.router.Stop()
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing durable store")
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (durable.Store, error) {
	if cfg.DurableStoreDSN == "" {
		log.Info().Msg("durable store: in-memory (set DURABLE_STORE_DSN for postgres)")
		return memory.New(), nil
	}
	log.Info().Msg("durable store: postgres")
	return postgres.New(ctx, cfg.DurableStoreDSN)
}

func convertRateLimits(cfg *config.Config) map[models.ModelFamily]ratelimit.Limit {
	out := make(map[models.ModelFamily]ratelimit.Limit, len(cfg.RateLimits))
	for model, rl := range cfg.RateLimits {
		out[model] = ratelimit.Limit{RequestsPerMin: rl.RequestsPerMin, TokensPerMin: rl.TokensPerMin}
	}
	return out
}
