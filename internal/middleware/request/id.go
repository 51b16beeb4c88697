package request

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// NewID mints a correlation id
func NewID() string {
	return uuid.New().String()
}

// ResolveID returns the caller supplied correlation id, or a new one when the
// header is missing or blank.
func ResolveID(h http.Header) string {
	if id := strings.TrimSpace(h.Get(pipeline.HeaderCorrelationID)); id != "" {
		return id
	}
	return NewID()
}
