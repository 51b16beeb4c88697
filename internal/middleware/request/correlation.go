package request

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationStage is the outermost stage. It assigns the correlation id and
// arrival time, propagates the id in both directions and emits the request and
// response audit events.
type CorrelationStage struct {
	emitter  audit.Emitter
	redactor *audit.Redactor
	now      func() time.Time
}

// NewCorrelationStage creates the stage. A nil emitter discards events and a
// nil redactor leaves headers untouched.
func NewCorrelationStage(emitter audit.Emitter, redactor *audit.Redactor) *CorrelationStage {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &CorrelationStage{
		emitter:  emitter,
		redactor: redactor,
		now:      time.Now,
	}
}

func (s *CorrelationStage) Name() string { return "correlation" }

func (s *CorrelationStage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	rc := req.Context
	rc.SetCorrelation(ResolveID(req.HTTP.Header), s.now())
	id := rc.CorrelationID()

	req.HTTP.Header.Set(pipeline.HeaderCorrelationID, id)
	ctx = logging.WithAttrs(ctx, slog.String("correlation_id", id))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("correlation.id", id))

	method := req.HTTP.Method
	path := req.HTTP.URL.Path
	s.emitter.Emit(audit.RequestEvent(id, method, path, req.HTTP.RemoteAddr, s.redactor.Headers(req.HTTP.Header)))

	resp, err := next.Serve(ctx, req)

	status := 0
	switch {
	case resp != nil:
		resp.Header.Set(pipeline.HeaderCorrelationID, id)
		status = resp.Status
	case err != nil:
		status = errors.Classify(err).Status()
	}
	s.emitter.Emit(audit.ResponseEvent(id, method, path, status, time.Since(rc.ArrivalTime())))

	return resp, err
}
