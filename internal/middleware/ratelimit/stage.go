package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Stage enforces the matched route's policy for the key resolved by KeyStage.
// A failing store lets the request through.
type Stage struct {
	limiter Limiter
	emitter audit.Emitter
	logger  *slog.Logger
}

// NewStage creates the limiter stage
func NewStage(limiter Limiter, emitter audit.Emitter, logger *slog.Logger) *Stage {
	if emitter == nil {
		emitter = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{limiter: limiter, emitter: emitter, logger: logger}
}

func (s *Stage) Name() string { return "ratelimit" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	route := req.Route
	if route == nil || !route.RateLimit.Enabled() || s.limiter == nil {
		return next.Serve(ctx, req)
	}

	policy := route.RateLimit
	key := req.Context.RateLimitKey()
	if key == "" {
		key = KeyUnknown
	}

	decision, err := s.limiter.Allow(ctx, route.ID, key, policy)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
			"error", err,
			"route_id", route.ID,
		)
		return next.Serve(ctx, req)
	}

	metrics.RecordRateLimit(route.ID, policy.Strategy, decision.Allowed)
	s.emitter.Emit(audit.RateLimitEvent(req.Context.CorrelationID(), route.ID, key, decision.Allowed, decision.Remaining))

	headers := Headers(policy, decision)
	if !decision.Allowed {
		s.logger.InfoContext(ctx, "rate limit exceeded", "route_id", route.ID, "key", key)
		var rlErr error = errors.NewRateLimitError("Rate limit exceeded, please retry later")
		for name := range headers {
			rlErr = errors.WithHeader(rlErr, name, headers.Get(name))
		}
		return nil, errors.WithRetryOption(rlErr, retrySeconds(decision))
	}

	resp, err := next.Serve(ctx, req)
	if resp != nil {
		for name := range headers {
			resp.Header.Set(name, headers.Get(name))
		}
	}
	return resp, err
}

// Headers returns the rate-limit headers describing a decision
func Headers(policy pipeline.RateLimitPolicy, d Decision) http.Header {
	h := make(http.Header)
	h.Set(pipeline.HeaderRateLimitRemain, strconv.FormatInt(d.Remaining, 10))
	h.Set(pipeline.HeaderRateLimitRate, strconv.FormatFloat(policy.ReplenishRate, 'f', -1, 64))
	h.Set(pipeline.HeaderRateLimitBurst, strconv.Itoa(policy.BurstCapacity))
	if !d.Allowed {
		h.Set(pipeline.HeaderRetryAfter, strconv.Itoa(retrySeconds(d)))
	}
	return h
}

func retrySeconds(d Decision) int {
	secs := math.Ceil(d.RetryAfter.Seconds())
	if secs < 1 {
		return 1
	}
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(secs)
}
