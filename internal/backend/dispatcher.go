// Package backend forwards pipeline requests to the routed backend service.
package backend

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"github.com/mcncl/edge-pipeline/internal/telemetry"
)

// Backend dispatch outcomes recorded in metrics
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeConnect     = "connect_failed"
	OutcomeOther       = "error"
	OutcomeCanceled    = "client_canceled"
	fallbackMetricName = "fallback"
)

// Headers that apply to a single connection and are never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher is the terminal handler of the pipeline. It sends the request
// to the matched route's target and buffers the whole response.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTransport replaces the base round tripper. It is still wrapped with
// client side tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.client.Transport = telemetry.Transport(rt)
	}
}

// NewDispatcher creates a dispatcher. Redirects are returned to the client
// rather than followed.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client: &http.Client{
			Transport: telemetry.Transport(newTransport()),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		ForceAttemptHTTP2:   true,
	}
}

// Serve dispatches req to its route
func (d *Dispatcher) Serve(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	route := req.Route
	if route == nil || route.Target == nil {
		return nil, errors.NewInternalError("request reached dispatch without a route")
	}
	return d.do(ctx, req, TargetURL(route, req.Path, req.HTTP.URL.RawQuery), route.ID, route.Timeout)
}

// Forward sends req to an alternative target, such as a fallback service.
// The target's own path is used as is.
func (d *Dispatcher) Forward(ctx context.Context, req *pipeline.Request, target *url.URL) (*pipeline.Response, error) {
	u := *target
	if u.RawQuery == "" {
		u.RawQuery = req.HTTP.URL.RawQuery
	}
	var timeout time.Duration
	if req.Route != nil {
		timeout = req.Route.Timeout
	}
	return d.do(ctx, req, &u, fallbackMetricName, timeout)
}

// TargetURL joins the route target with the request path. With StripPrefix
// the route's prefix is removed from the path first.
func TargetURL(route *pipeline.Route, path, rawQuery string) *url.URL {
	if route.StripPrefix {
		path = strings.TrimPrefix(path, route.PathPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	u := *route.Target
	u.Path = joinPath(u.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

func joinPath(a, b string) string {
	switch {
	case a == "" || a == "/":
		if b == "" {
			return "/"
		}
		return b
	case b == "" || b == "/":
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

func (d *Dispatcher) do(ctx context.Context, req *pipeline.Request, target *url.URL, routeID string, timeout time.Duration) (*pipeline.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, req.HTTP.Method, target.String(), body)
	if err != nil {
		return nil, errors.NewInternalError("could not build backend request")
	}
	outbound.Header = req.HTTP.Header.Clone()
	removeHopHeaders(outbound.Header)
	outbound.Header.Del("Content-Length")
	outbound.ContentLength = int64(len(req.Body))
	setForwardedHeaders(outbound, req.HTTP)

	start := time.Now()
	resp, err := d.client.Do(outbound)
	if err != nil {
		return nil, d.fail(ctx, routeID, target, start, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, d.fail(ctx, routeID, target, start, err)
	}
	metrics.RecordBackend(routeID, OutcomeOK, time.Since(start).Seconds())

	out := pipeline.NewResponse(resp.StatusCode, data)
	copyHeaders(out.Header, resp.Header)
	removeHopHeaders(out.Header)
	out.Header.Del("Content-Length")
	return out, nil
}

func (d *Dispatcher) fail(ctx context.Context, routeID string, target *url.URL, start time.Time, err error) error {
	outcome, classified := classify(ctx, err)
	metrics.RecordBackend(routeID, outcome, time.Since(start).Seconds())

	level := slog.LevelWarn
	if outcome == OutcomeCanceled {
		level = slog.LevelDebug
	}
	d.logger.Log(ctx, level, "backend request failed",
		"route", routeID,
		"host", target.Host,
		"outcome", outcome,
		"error", err,
	)
	return classified
}

// classify maps a transport failure onto the error taxonomy. ctx is the
// dispatch context; its cancellation means the client went away, which says
// nothing about the backend.
func classify(ctx context.Context, err error) (string, error) {
	switch {
	case stderrors.Is(err, context.Canceled) || stderrors.Is(ctx.Err(), context.Canceled):
		return OutcomeCanceled, errors.NewCanceledError("Client closed the request", err)
	case stderrors.Is(err, context.DeadlineExceeded) || isTimeoutError(err):
		return OutcomeTimeout, errors.NewTimeoutError("Backend did not respond in time", err)
	case isDialError(err):
		return OutcomeConnect, errors.NewConnectionError("Backend is unreachable", err)
	default:
		return OutcomeOther, errors.NewBadGatewayError("Backend request failed", err)
	}
}

func setForwardedHeaders(outbound, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}
	if clientIP != "" {
		if prior := outbound.Header.Get(pipeline.HeaderForwardedFor); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set(pipeline.HeaderForwardedFor, clientIP)
	}

	if inbound.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
