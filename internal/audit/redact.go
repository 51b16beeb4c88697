package audit

import (
	"net/http"
	"strings"
)

// Redacted replaces the value of a sensitive header
const Redacted = "[REDACTED]"

// Redactor masks sensitive header values before they are audited
type Redactor struct {
	sensitive map[string]struct{}
}

// NewRedactor builds a redactor for the given header names, matched case
// insensitively.
func NewRedactor(names []string) *Redactor {
	r := &Redactor{sensitive: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			r.sensitive[http.CanonicalHeaderKey(n)] = struct{}{}
		}
	}
	return r
}

// IsSensitive reports whether name is redacted
func (r *Redactor) IsSensitive(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.sensitive[http.CanonicalHeaderKey(name)]
	return ok
}

// Headers returns a copy of h with sensitive values replaced
func (r *Redactor) Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if r.IsSensitive(k) {
			masked := make([]string, len(vs))
			for i := range masked {
				masked[i] = Redacted
			}
			out[k] = masked
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
