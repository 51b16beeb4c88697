package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Headers the stage owns. Inbound copies are always removed.
var identityHeaders = []string{
	pipeline.HeaderUserID,
	pipeline.HeaderUserEmail,
	pipeline.HeaderUserRoles,
	pipeline.HeaderUserName,
	pipeline.HeaderTokenIssuedAt,
	pipeline.HeaderTokenExpiresAt,
}

// Stage forwards verified identity claims as headers. It never rejects a
// request: a missing credential is a no-op and an invalid one is logged and
// audited.
type Stage struct {
	verifier Verifier
	emitter  audit.Emitter
	logger   *slog.Logger
}

// NewStage creates the identity propagation stage. A nil verifier only strips
// inbound identity headers.
func NewStage(verifier Verifier, emitter audit.Emitter, logger *slog.Logger) *Stage {
	if emitter == nil {
		emitter = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{verifier: verifier, emitter: emitter, logger: logger}
}

func (s *Stage) Name() string { return "identity" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	for _, h := range identityHeaders {
		req.HTTP.Header.Del(h)
	}
	if s.verifier == nil {
		return next.Serve(ctx, req)
	}

	id, err := s.verifier.Verify(ctx, req.HTTP)
	switch {
	case err == ErrNoCredential:
		metrics.RecordIdentity("anonymous")
	case err != nil:
		metrics.RecordIdentity("invalid")
		s.logger.WarnContext(ctx, "invalid credential", "error", err, "path", req.HTTP.URL.Path)
		s.emitter.Emit(audit.SecurityEvent(req.Context.CorrelationID(), req.HTTP.URL.Path, "invalid_token", err.Error()))
	case id != nil:
		metrics.RecordIdentity("verified")
		req.Context.SetIdentity(id)
		SetHeaders(req.HTTP.Header, req.Context.Identity())
	}

	return next.Serve(ctx, req)
}

// SetHeaders writes the identity headers for id. Empty values are skipped.
func SetHeaders(h http.Header, id *pipeline.Identity) {
	if id == nil {
		return
	}
	set := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	set(pipeline.HeaderUserID, id.ID())
	set(pipeline.HeaderUserEmail, id.Email)
	set(pipeline.HeaderUserRoles, strings.Join(id.Roles, ","))
	set(pipeline.HeaderUserName, id.Name)
	set(pipeline.HeaderTokenIssuedAt, unixSeconds(id.IssuedAt))
	set(pipeline.HeaderTokenExpiresAt, unixSeconds(id.ExpiresAt))
}
