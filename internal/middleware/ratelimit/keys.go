// Package ratelimit derives the rate-limit key of a request and enforces the
// route's policy against a limiter store.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Sentinel keys. They carry no namespace prefix so they can never collide with
// a real "user:" or "ip:" key.
const (
	KeyAnonymous = "anonymous"
	KeyUnknown   = "unknown"
)

// KeyResolver derives the key requests are counted under
type KeyResolver interface {
	Resolve(req *pipeline.Request) string
}

// KeyResolverFunc adapts a function to KeyResolver
type KeyResolverFunc func(req *pipeline.Request) string

// Resolve calls f(req)
func (f KeyResolverFunc) Resolve(req *pipeline.Request) string { return f(req) }

// UserKey counts requests per authenticated principal
var UserKey = KeyResolverFunc(func(req *pipeline.Request) string {
	if id := req.Context.Identity().ID(); id != "" {
		return "user:" + id
	}
	return KeyAnonymous
})

// IPKey counts requests per client address
var IPKey = KeyResolverFunc(func(req *pipeline.Request) string {
	if ip := ClientIP(req.HTTP); ip != "" {
		return "ip:" + ip
	}
	return KeyUnknown
})

// ResolverFor returns the resolver for a strategy name, defaulting to IPKey
func ResolverFor(strategy string) KeyResolver {
	if strategy == pipeline.RateLimitStrategyUser {
		return UserKey
	}
	return IPKey
}

// ClientIP returns the client address from the first usable source: the first
// X-Forwarded-For hop, X-Real-IP, then the transport peer. Loopback and
// unspecified addresses are skipped.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get(pipeline.HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := usableIP(first); ip != "" {
			return ip
		}
	}
	if ip := usableIP(r.Header.Get(pipeline.HeaderRealIP)); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return usableIP(host)
}

func usableIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

// KeyStage records the rate-limit key in the request context. The strategy
// comes from the matched route, falling back to the configured default.
type KeyStage struct {
	defaultStrategy string
	logger          *slog.Logger
}

// NewKeyStage creates the key resolution stage
func NewKeyStage(defaultStrategy string, logger *slog.Logger) *KeyStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStage{defaultStrategy: defaultStrategy, logger: logger}
}

func (s *KeyStage) Name() string { return "ratelimit-key" }

func (s *KeyStage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	strategy := s.defaultStrategy
	if req.Route != nil && req.Route.RateLimit.Strategy != "" {
		strategy = req.Route.RateLimit.Strategy
	}

	key := ResolverFor(strategy).Resolve(req)
	req.Context.SetRateLimitKey(key)
	s.logger.DebugContext(ctx, "rate limit key resolved", "strategy", strategy, "key", key)

	return next.Serve(ctx, req)
}
