// Package route resolves the backend route for a request.
package route

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Table holds routes ordered by descending prefix length so the first match
// is the longest.
type Table struct {
	routes []*pipeline.Route
}

// NewTable builds a table from configuration. Route level limiter and breaker
// settings fall back to the global defaults in cfg.
func NewTable(cfg *config.Config) (*Table, error) {
	routes := make([]*pipeline.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		r, err := fromConfig(rc, cfg)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return NewTableFromRoutes(routes), nil
}

// NewTableFromRoutes builds a table from already resolved routes
func NewTableFromRoutes(routes []*pipeline.Route) *Table {
	sorted := append([]*pipeline.Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Table{routes: sorted}
}

func fromConfig(rc config.RouteConfig, cfg *config.Config) (*pipeline.Route, error) {
	target, err := url.Parse(rc.URI)
	if err != nil {
		return nil, fmt.Errorf("route %s: invalid uri: %w", rc.ID, err)
	}

	r := &pipeline.Route{
		ID:          rc.ID,
		PathPrefix:  strings.TrimSuffix(rc.PathPrefix, "/"),
		Target:      target,
		Timeout:     rc.Timeout.Duration,
		StripPrefix: rc.StripPrefix,
		RateLimit: pipeline.RateLimitPolicy{
			Strategy:        cfg.RateLimit.Strategy,
			ReplenishRate:   cfg.RateLimit.ReplenishRate,
			BurstCapacity:   cfg.RateLimit.BurstCapacity,
			RequestedTokens: cfg.RateLimit.RequestedTokens,
		},
		Breaker: pipeline.BreakerPolicy{
			Config: BreakerConfig(cfg.CircuitBreaker),
		},
	}
	for _, m := range rc.Methods {
		r.Methods = append(r.Methods, strings.ToUpper(m))
	}
	if r.Timeout == 0 {
		r.Timeout = cfg.Server.RequestTimeout.Duration
	}

	if rl := rc.RateLimit; rl != nil {
		r.RateLimit.Strategy = rl.Strategy
		r.RateLimit.ReplenishRate = rl.ReplenishRate
		r.RateLimit.BurstCapacity = rl.BurstCapacity
		if rl.RequestedTokens > 0 {
			r.RateLimit.RequestedTokens = rl.RequestedTokens
		}
	}
	if r.RateLimit.RequestedTokens <= 0 {
		r.RateLimit.RequestedTokens = 1
	}

	if cb := rc.CircuitBreaker; cb != nil {
		r.Breaker.Name = cb.Name
		r.Breaker.Config = BreakerConfig(cb.BreakerConfig)
		r.Breaker.FallbackURI = cb.FallbackURI
	}

	return r, nil
}

// BreakerConfig converts configured breaker parameters
func BreakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureRateThreshold: c.FailureRateThreshold,
		MinimumCalls:         c.MinimumCalls,
		WindowSize:           c.WindowSize,
		OpenDuration:         c.OpenDuration.Duration,
		HalfOpenProbes:       c.HalfOpenProbes,
	}
}

// Match returns the route with the longest prefix matching path. A prefix
// only matches on a segment boundary.
func (t *Table) Match(path string) (*pipeline.Route, bool) {
	for _, r := range t.routes {
		if hasPathPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the routes in match order
func (t *Table) Routes() []*pipeline.Route {
	return append([]*pipeline.Route(nil), t.routes...)
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Stage attaches the matched route to the request
type Stage struct {
	table *Table
}

// NewStage creates the routing stage
func NewStage(table *Table) *Stage {
	return &Stage{table: table}
}

func (s *Stage) Name() string { return "routing" }

// Process resolves the route or fails with NOT_FOUND / METHOD_NOT_ALLOWED
func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	r, ok := s.table.Match(req.Path)
	if !ok {
		return nil, errors.NewNotFoundError("No route matches the requested path")
	}
	if !r.AllowsMethod(req.HTTP.Method) {
		err := errors.NewMethodNotAllowedError(fmt.Sprintf("Method %s is not allowed for this resource", req.HTTP.Method))
		return nil, errors.WithHeader(err, "Allow", strings.Join(r.Methods, ", "))
	}

	req.Route = r
	req.Context.SetRouteID(r.ID)
	return next.Serve(ctx, req)
}
