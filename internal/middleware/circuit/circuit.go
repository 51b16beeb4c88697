// Package circuit guards backend dispatch with per-dependency circuit
// breakers.
package circuit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/middleware/version"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

const (
	// ForwardScheme marks a fallback answered by the gateway itself
	ForwardScheme = "forward:"
	// DefaultDependency is used when no name can be derived
	DefaultDependency = "default"

	serviceSuffix = "-service"
)

// Forwarder sends a request to an alternative target. The backend dispatcher
// implements it for http(s) fallback URIs.
type Forwarder interface {
	Forward(ctx context.Context, req *pipeline.Request, target *url.URL) (*pipeline.Response, error)
}

// DependencyName names the dependency a request targets: the explicit name
// when set, else the first path segment after prefix with the version segment
// skipped, suffixed with "-service", else DefaultDependency.
func DependencyName(explicit, prefix, path string) string {
	if explicit != "" {
		return explicit
	}

	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			return DefaultDependency
		}
		path = strings.TrimPrefix(path, prefix)
	}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		if _, ok := version.Normalize(segment); ok && (segment[0] == 'v' || segment[0] == 'V') {
			continue
		}
		return segment + serviceSuffix
	}
	return DefaultDependency
}

// IsFailure reports whether an outcome counts against the dependency. Client
// errors describe the request, not the dependency, and are not failures.
func IsFailure(resp *pipeline.Response, err error) bool {
	if err != nil {
		return !errors.Classify(err).IsClientError()
	}
	return resp != nil && resp.Status >= http.StatusInternalServerError
}

// CallOutcome is the breaker outcome of a dispatched call. A call the client
// abandoned is released without being recorded.
func CallOutcome(resp *pipeline.Response, err error) breaker.Outcome {
	switch {
	case errors.IsCanceledError(err):
		return breaker.Ignored
	case IsFailure(resp, err):
		return breaker.Failure
	default:
		return breaker.Success
	}
}

// Stage runs the rest of the chain under the dependency's breaker
type Stage struct {
	registry  *breaker.Registry
	prefix    string
	forwarder Forwarder
	logger    *slog.Logger
}

// NewStage creates the circuit breaker stage. forwarder may be nil when no
// route uses an http(s) fallback.
func NewStage(registry *breaker.Registry, prefix string, forwarder Forwarder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		registry:  registry,
		prefix:    prefix,
		forwarder: forwarder,
		logger:    logger,
	}
}

func (s *Stage) Name() string { return "circuit-breaker" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (resp *pipeline.Response, err error) {
	route := req.Route
	if route == nil {
		return next.Serve(ctx, req)
	}

	name := DependencyName(route.Breaker.Name, s.prefix, req.Path)
	b := s.registry.Get(name, route.Breaker.Config)

	finish, allowErr := b.Acquire()
	if allowErr != nil {
		return s.shortCircuit(ctx, req, name, allowErr)
	}

	// A panic skips the assignment below and is reported as a failure.
	outcome := breaker.Failure
	defer func() { finish(outcome) }()

	resp, err = next.Serve(ctx, req)
	outcome = CallOutcome(resp, err)
	return resp, err
}

func (s *Stage) shortCircuit(ctx context.Context, req *pipeline.Request, name string, cause error) (*pipeline.Response, error) {
	fallback := req.Route.Breaker.FallbackURI
	metrics.RecordShortCircuit(name, fallback != "")
	s.logger.WarnContext(ctx, "circuit breaker rejected call",
		"dependency", name,
		"reason", cause,
		"fallback", fallback,
	)

	switch {
	case fallback == "":
		return nil, errors.NewUnavailableError("Service temporarily unavailable, please try again later")

	case strings.HasPrefix(fallback, ForwardScheme):
		return FallbackResponse(name), nil

	default:
		target, err := url.Parse(fallback)
		if err != nil || s.forwarder == nil {
			s.logger.ErrorContext(ctx, "unusable fallback uri", "dependency", name, "fallback", fallback, "error", err)
			return FallbackResponse(name), nil
		}
		return s.forwarder.Forward(ctx, req, target)
	}
}

// Fallback is the payload returned for a dependency whose breaker is open
type Fallback struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Service   string    `json:"service"`
}

// FallbackResponse builds the standard 503 payload for service
func FallbackResponse(service string) *pipeline.Response {
	body, err := json.Marshal(Fallback{
		Timestamp: time.Now().UTC(),
		Status:    http.StatusServiceUnavailable,
		Error:     "Service Unavailable",
		Message:   "The service is temporarily unavailable. Please try again later.",
		Service:   service,
	})
	if err != nil {
		body = []byte(`{"status":503,"error":"Service Unavailable"}`)
	}
	resp := pipeline.NewResponse(http.StatusServiceUnavailable, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}
