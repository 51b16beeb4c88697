// Package pipeline defines the request/response model shared by the edge
// stages and composes them, in a fixed order, into an http.Handler.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Header names shared across stages
const (
	HeaderCorrelationID   = "X-Correlation-ID"
	HeaderAPIVersion      = "X-API-Version"
	HeaderVersionStrategy = "X-API-Version-Strategy"
	HeaderForwardedFor    = "X-Forwarded-For"
	HeaderRealIP          = "X-Real-IP"
	HeaderUserID          = "X-User-Id"
	HeaderUserEmail       = "X-User-Email"
	HeaderUserRoles       = "X-User-Roles"
	HeaderUserName        = "X-User-Name"
	HeaderTokenIssuedAt   = "X-Token-Issued-At"
	HeaderTokenExpiresAt  = "X-Token-Expires-At"
	HeaderRateLimitRemain = "X-RateLimit-Remaining"
	HeaderRateLimitRate   = "X-RateLimit-Replenish-Rate"
	HeaderRateLimitBurst  = "X-RateLimit-Burst-Capacity"
	HeaderRetryAfter      = "Retry-After"
)

// Rate-limit key strategies
const (
	RateLimitStrategyUser = "user"
	RateLimitStrategyIP   = "ip"
)

const unmatchedRouteMetricID = "unmatched"

// RateLimitPolicy is a route's limiter configuration
type RateLimitPolicy struct {
	Strategy        string
	ReplenishRate   float64
	BurstCapacity   int
	RequestedTokens int
}

// Enabled reports whether the policy limits anything
func (p RateLimitPolicy) Enabled() bool {
	return p.ReplenishRate > 0 && p.BurstCapacity > 0
}

// BreakerPolicy is a route's circuit breaker configuration
type BreakerPolicy struct {
	// Name overrides the derived dependency name
	Name        string
	Config      breaker.Config
	FallbackURI string
}

// Route is a resolved backend route
type Route struct {
	ID          string
	PathPrefix  string
	Target      *url.URL
	Methods     []string
	Timeout     time.Duration
	StripPrefix bool
	RateLimit   RateLimitPolicy
	Breaker     BreakerPolicy
}

// AllowsMethod reports whether method may be used on the route
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Request is the unit of work passed between stages. HTTP is the inbound
// request; stages edit its headers to shape what is forwarded.
type Request struct {
	HTTP    *http.Request
	Context *RequestContext
	// Path is the request path with any version segment removed
	Path  string
	Route *Route
	// Body holds the buffered request body once the payload stage has run
	Body []byte
}

// NewRequest wraps r with an empty RequestContext. The context is also
// reachable from the request's context.Context through FromContext.
func NewRequest(r *http.Request) *Request {
	rc := &RequestContext{}
	ctx := WithContext(r.Context(), rc)
	return &Request{
		HTTP:    r.Clone(ctx),
		Context: rc,
		Path:    r.URL.Path,
	}
}

// Response is what the backend, a fallback or a stage produced
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates a response with an empty header map
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// Handler serves a Request
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Serve calls f(ctx, req)
func (f HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Stage is one cross-cutting step. It may act before and after calling next,
// or answer without calling next at all.
type Stage interface {
	Name() string
	Process(ctx context.Context, req *Request, next Handler) (*Response, error)
}

// Chain composes stages around terminal. The first stage is the outermost.
// Each stage runs inside its own span.
func Chain(terminal Handler, stages ...Stage) Handler {
	h := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		h = &link{stage: stages[i], next: h}
	}
	return h
}

type link struct {
	stage Stage
	next  Handler
}

func (l *link) Serve(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stage."+l.stage.Name())
	defer span.End()

	resp, err := l.stage.Process(ctx, req, l.next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	return resp, err
}

// Pipeline adapts a stage chain to net/http
type Pipeline struct {
	handler Handler
	logger  *slog.Logger
}

// New builds a pipeline running stages in order before terminal
func New(logger *slog.Logger, terminal Handler, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		handler: Chain(terminal, stages...),
		logger:  logger,
	}
}

// ServeHTTP runs the chain and writes its response
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := NewRequest(r)
	rc := req.Context
	ctx := req.HTTP.Context()

	start := time.Now()
	resp, err := p.handler.Serve(ctx, req)
	if err != nil || resp == nil {
		// The normalization stage converts failures, so this only happens
		// when the chain was assembled without it.
		p.logger.ErrorContext(ctx, "pipeline returned no response",
			"error", err,
			"path", r.URL.Path,
		)
		resp = NewResponse(http.StatusInternalServerError, []byte(`{"status":500,"error":"Internal Server Error","errorCode":"INTERNAL_SERVER_ERROR"}`))
		resp.Header.Set("Content-Type", "application/json")
	}

	WriteResponse(w, resp)

	routeID := rc.RouteID()
	if routeID == "" {
		routeID = unmatchedRouteMetricID
	}
	metrics.RecordRequest(routeID, resp.Status, time.Since(start).Seconds())
}

// WriteResponse copies resp onto w
func WriteResponse(w http.ResponseWriter, resp *Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	if resp.Body != nil {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
