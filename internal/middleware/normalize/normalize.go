// Package normalize converts every failure raised inside the pipeline into a
// single JSON error envelope.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// fallbackBody is written when an envelope cannot be serialized
const fallbackBody = `{"status":500,"error":"Internal Server Error","errorCode":"INTERNAL_SERVER_ERROR","message":"An internal error occurred","details":{}}`

// Envelope is the client-facing error body
type Envelope struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    int                    `json:"status"`
	Error     string                 `json:"error"`
	ErrorCode errors.Code            `json:"errorCode"`
	Message   string                 `json:"message"`
	Path      string                 `json:"path"`
	Method    string                 `json:"method"`
	RequestID *string                `json:"requestId"`
	Details   map[string]interface{} `json:"details"`
}

// NewEnvelope classifies err and builds its envelope. Only messages written
// for clients are exposed; details are empty unless attached to err.
func NewEnvelope(err error, method, path, requestID string, now time.Time) Envelope {
	code := errors.Classify(err)
	if code == "" {
		code = errors.CodeUnknown
	}
	status := code.Status()

	env := Envelope{
		Timestamp: now.UTC(),
		Status:    status,
		Error:     statusText(status),
		ErrorCode: code,
		Message:   errors.PublicMessage(err),
		Path:      path,
		Method:    method,
		Details:   map[string]interface{}{},
	}
	if requestID != "" {
		env.RequestID = &requestID
	}
	for k, v := range errors.GetDetails(err) {
		env.Details[k] = v
	}
	return env
}

func statusText(status int) string {
	if status == errors.StatusClientClosedRequest {
		return "Client Closed Request"
	}
	return http.StatusText(status)
}

// Render serializes env into a response carrying the error's headers
func Render(env Envelope, err error) *pipeline.Response {
	body, mErr := json.Marshal(env)
	status := env.Status
	if mErr != nil {
		body = []byte(fallbackBody)
		status = http.StatusInternalServerError
	}

	resp := pipeline.NewResponse(status, body)
	for k, vs := range errors.GetHeader(err) {
		resp.Header[k] = append([]string(nil), vs...)
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Cache-Control", "no-store")
	if env.RequestID != nil {
		resp.Header.Set(pipeline.HeaderCorrelationID, *env.RequestID)
	}
	return resp
}

// Stage is the failure boundary. It sits directly inside correlation so that
// everything after it, including backend dispatch, is covered.
type Stage struct {
	emitter audit.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewStage creates the normalization stage
func NewStage(emitter audit.Emitter, logger *slog.Logger) *Stage {
	if emitter == nil {
		emitter = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{emitter: emitter, logger: logger, now: time.Now}
}

func (s *Stage) Name() string { return "normalize" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (resp *pipeline.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "panic in pipeline",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			resp, err = s.convert(ctx, req, fmt.Errorf("panic: %v", r)), nil
		}
	}()

	resp, err = next.Serve(ctx, req)
	if err == nil && resp != nil {
		return resp, nil
	}
	if err == nil {
		err = errors.NewInternalError("no response produced")
	}
	return s.convert(ctx, req, err), nil
}

func (s *Stage) convert(ctx context.Context, req *pipeline.Request, err error) *pipeline.Response {
	method := req.HTTP.Method
	path := req.HTTP.URL.Path
	id := req.Context.CorrelationID()

	env := NewEnvelope(err, method, path, id, s.now())

	metrics.RecordError(string(env.ErrorCode))

	// The client is gone; nothing failed on our side.
	if env.ErrorCode == errors.CodeClientClosedRequest {
		s.logger.InfoContext(ctx, "request abandoned by client", "method", method, "path", path)
		return Render(env, err)
	}

	level := slog.LevelWarn
	if env.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "request failed",
		"error", err,
		"error_code", env.ErrorCode,
		"status", env.Status,
		"method", method,
		"path", path,
	)
	s.emitter.Emit(audit.ErrorEvent(id, method, path, string(env.ErrorCode), env.Status, err.Error()))

	return Render(env, err)
}
