// Package security holds the HTTP hardening middleware that wraps the
// gateway: response security headers, CORS and the admin allow list.
package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// Options defines the configuration for security headers and CORS
type Options struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// ExposedHeaders are readable by browser clients on cross origin responses
	ExposedHeaders []string
	MaxAge         int // in seconds
}

// FromConfig builds Options from the security section of the configuration.
// The pipeline's response headers are always exposed.
func FromConfig(cfg config.SecurityConfig) Options {
	opts := DefaultOptions()
	if len(cfg.AllowedOrigins) > 0 {
		opts.AllowedOrigins = cfg.AllowedOrigins
	}
	if len(cfg.AllowedMethods) > 0 {
		opts.AllowedMethods = cfg.AllowedMethods
	}
	if len(cfg.AllowedHeaders) > 0 {
		opts.AllowedHeaders = cfg.AllowedHeaders
	}
	return opts
}

// DefaultOptions returns the CORS settings used when nothing is configured
func DefaultOptions() Options {
	return Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"Authorization",
			pipeline.HeaderAPIVersion,
			pipeline.HeaderCorrelationID,
		},
		ExposedHeaders: []string{
			pipeline.HeaderCorrelationID,
			pipeline.HeaderAPIVersion,
			pipeline.HeaderRateLimitRemain,
			pipeline.HeaderRateLimitRate,
			pipeline.HeaderRateLimitBurst,
			pipeline.HeaderRetryAfter,
		},
		MaxAge: 3600,
	}
}

// WithSecurityHeaders adds security headers to responses and answers CORS
// preflight requests from allowed origins.
func WithSecurityHeaders(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setSecurityHeaders(w)

			if handleCORS(w, r, opts) && isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

	// The gateway only serves JSON
	h.Set("Content-Security-Policy", strings.Join([]string{
		"default-src 'none'",
		"frame-ancestors 'none'",
		"base-uri 'none'",
		"form-action 'none'",
	}, "; "))

	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
}

func handleCORS(w http.ResponseWriter, r *http.Request, opts Options) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	w.Header().Add("Vary", "Origin")

	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	if len(opts.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(opts.ExposedHeaders, ", "))
	}
	if isPreflight(r) {
		h.Set("Access-Control-Allow-Methods", strings.Join(opts.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(opts.AllowedHeaders, ", "))
		h.Set("Access-Control-Max-Age", strconv.Itoa(opts.MaxAge))
	}

	return true
}
