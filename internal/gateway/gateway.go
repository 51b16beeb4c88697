// Package gateway is the composition root of the edge pipeline. It builds the
// stages in their fixed order and mounts them, next to the operational
// endpoints, on a chi router.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/backend"
	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/middleware/circuit"
	"github.com/mcncl/edge-pipeline/internal/middleware/identity"
	loggingMiddleware "github.com/mcncl/edge-pipeline/internal/middleware/logging"
	"github.com/mcncl/edge-pipeline/internal/middleware/normalize"
	"github.com/mcncl/edge-pipeline/internal/middleware/payload"
	"github.com/mcncl/edge-pipeline/internal/middleware/ratelimit"
	"github.com/mcncl/edge-pipeline/internal/middleware/request"
	"github.com/mcncl/edge-pipeline/internal/middleware/security"
	"github.com/mcncl/edge-pipeline/internal/middleware/version"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"github.com/mcncl/edge-pipeline/internal/route"
	"github.com/mcncl/edge-pipeline/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options are the collaborators of a Gateway. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Emitter receives audit events. Defaults to audit.Discard.
	Emitter audit.Emitter
	// Limiter backs the rate limiter stage. Defaults to an in-memory limiter.
	Limiter ratelimit.Limiter
	// Verifier checks bearer credentials. Nil disables identity propagation.
	Verifier identity.Verifier
	// Backend is the terminal handler. Defaults to a backend.Dispatcher.
	Backend pipeline.Handler
	// Forwarder serves http(s) fallback URIs. Defaults to Backend when it
	// can forward.
	Forwarder circuit.Forwarder
	// Gatherer is exposed on /metrics when set
	Gatherer prometheus.Gatherer
	// BreakerOptions are applied to every dependency breaker
	BreakerOptions []breaker.Option
}

// Gateway serves the edge pipeline and the operational endpoints
type Gateway struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	registry *breaker.Registry
	routes   *route.Table
	health   *Health
	logger   *slog.Logger
}

// New assembles the gateway. The stage order is fixed:
//
//	correlation, normalize, version, routing, identity, ratelimit-key,
//	ratelimit, payload, circuit-breaker, then backend dispatch.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = audit.Discard
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter()
	}

	routes, err := route.NewTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: building routes: %w", err)
	}

	for _, r := range routes.Routes() {
		if r.Breaker.Name == "" && isCatchAll(r.PathPrefix, cfg.Pipeline.APIPrefix) {
			logger.Warn("catch-all route derives breaker names from client paths, set circuit_breaker.name",
				"route", r.ID,
				"prefix", r.PathPrefix,
			)
		}
	}

	terminal := opts.Backend
	if terminal == nil {
		terminal = backend.NewDispatcher(logger.With("component", "dispatcher"))
	}
	forwarder := opts.Forwarder
	if forwarder == nil {
		forwarder, _ = terminal.(circuit.Forwarder)
	}

	breakerOpts := append([]breaker.Option{
		breaker.WithStateChange(stateChangeObserver(logger, emitter)),
	}, opts.BreakerOptions...)
	registry := breaker.NewRegistry(breakerOpts...)

	stages := []pipeline.Stage{
		request.NewCorrelationStage(emitter, audit.NewRedactor(cfg.Audit.SensitiveHeaders)),
		normalize.NewStage(emitter, logger),
		version.NewStage(version.NewResolver(cfg.Pipeline), logger),
		route.NewStage(routes),
		identity.NewStage(opts.Verifier, emitter, logger),
		ratelimit.NewKeyStage(cfg.RateLimit.Strategy, logger),
		ratelimit.NewStage(limiter, emitter, logger),
		payload.NewStage(cfg.Server.MaxRequestSize),
		circuit.NewStage(registry, cfg.Pipeline.APIPrefix, forwarder, logger),
	}

	g := &Gateway{
		pipeline: pipeline.New(logger, terminal, stages...),
		registry: registry,
		routes:   routes,
		health:   NewHealth(),
		logger:   logger,
	}

	allowList, err := security.NewAllowList(cfg.Security.AdminAllowedCIDRs, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	g.router = g.newRouter(cfg, opts.Gatherer, allowList)

	return g, nil
}

func (g *Gateway) newRouter(cfg *config.Config, gatherer prometheus.Gatherer, allowList *security.AllowList) chi.Router {
	r := chi.NewRouter()
	r.Use(loggingMiddleware.WithStructuredLogging(g.logger))
	r.Use(security.WithSecurityHeaders(security.FromConfig(cfg.Security)))

	r.Get("/health", g.health.HealthHandler)
	r.Get("/ready", g.health.ReadyHandler)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(allowList.Middleware)
		r.Get("/circuit-breakers", circuitBreakersHandler(g.registry))
		r.Get("/circuit-breakers/{name}", circuitBreakerHandler(g.registry))
	})
	r.HandleFunc("/fallback/{service}", fallbackHandler)

	api := chi.Chain(
		telemetry.Middleware("edge-pipeline"),
		request.WithTimeout(cfg.Server.RequestTimeout.Duration),
	).Handler(g.pipeline)
	prefix := cfg.Pipeline.APIPrefix
	r.Handle(prefix, api)
	r.Handle(prefix+"/*", api)

	return r
}

// isCatchAll reports whether a route covers the whole API, so that the first
// path segment, and with it the breaker name, is chosen by the client.
func isCatchAll(routePrefix, apiPrefix string) bool {
	p := strings.TrimSuffix(routePrefix, "/")
	return p == "" || p == strings.TrimSuffix(apiPrefix, "/")
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Health returns the probe state
func (g *Gateway) Health() *Health {
	return g.health
}

// Registry returns the dependency breakers
func (g *Gateway) Registry() *breaker.Registry {
	return g.registry
}

// Routes returns the route table
func (g *Gateway) Routes() *route.Table {
	return g.routes
}
