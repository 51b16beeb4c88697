// Package payload buffers and checks request bodies before dispatch.
package payload

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Stage reads the body once, up to maxBytes. Oversized bodies and malformed
// JSON bodies are rejected with BAD_REQUEST.
type Stage struct {
	maxBytes int64
}

// NewStage creates the payload stage. A non-positive limit disables the size
// check.
func NewStage(maxBytes int64) *Stage {
	return &Stage{maxBytes: maxBytes}
}

func (s *Stage) Name() string { return "payload" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	r := req.HTTP
	if r.Body == nil || r.Body == http.NoBody {
		return next.Serve(ctx, req)
	}

	var body io.Reader = r.Body
	if s.maxBytes > 0 {
		body = http.MaxBytesReader(nil, r.Body, s.maxBytes)
	}
	data, err := io.ReadAll(body)
	_ = r.Body.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return nil, errors.NewValidationError("Request body too large")
		}
		return nil, errors.NewValidationError("Request body could not be read")
	}

	if len(data) > 0 && IsJSON(r.Header.Get("Content-Type")) && !json.Valid(data) {
		return nil, errors.NewValidationError("Invalid JSON payload")
	}

	req.Body = data
	return next.Serve(ctx, req)
}

// IsJSON reports whether a Content-Type denotes a JSON document
func IsJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
