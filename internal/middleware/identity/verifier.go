// Package identity turns a verified bearer credential into identity headers
// for the backend.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// ErrNoCredential is returned when the request carries no bearer token
var ErrNoCredential = errors.NewAuthError("no bearer credential")

// Verifier checks the credential carried by a request. It returns
// ErrNoCredential when there is nothing to check.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*pipeline.Identity, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, r *http.Request) (*pipeline.Identity, error)

// Verify calls f(ctx, r)
func (f VerifierFunc) Verify(ctx context.Context, r *http.Request) (*pipeline.Identity, error) {
	return f(ctx, r)
}

// JWTVerifier validates HMAC signed JWTs
type JWTVerifier struct {
	key         []byte
	userIDClaim string
	parser      *jwt.Parser
}

// NewJWTVerifier creates a verifier from the identity settings
func NewJWTVerifier(cfg config.IdentityConfig) (*JWTVerifier, error) {
	if cfg.SigningKey == "" {
		return nil, errors.NewValidationError("identity signing key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claim := cfg.UserIDClaim
	if claim == "" {
		claim = "user_id"
	}

	return &JWTVerifier{
		key:         []byte(cfg.SigningKey),
		userIDClaim: claim,
		parser:      jwt.NewParser(opts...),
	}, nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Verify parses and validates the bearer token
func (v *JWTVerifier) Verify(ctx context.Context, r *http.Request) (*pipeline.Identity, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, ErrNoCredential
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}); err != nil {
		return nil, errors.NewAuthError("invalid bearer token: " + err.Error())
	}

	return v.identity(claims), nil
}

func (v *JWTVerifier) identity(claims jwt.MapClaims) *pipeline.Identity {
	id := &pipeline.Identity{
		UserID: stringClaim(claims, v.userIDClaim),
		Email:  stringClaim(claims, "email"),
		Name:   stringClaim(claims, "name"),
		Roles:  roles(claims),
	}
	id.Subject, _ = claims.GetSubject()
	if id.Name == "" {
		id.Name = stringClaim(claims, "preferred_username")
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		id.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id
}

func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// roles reads a top level "roles" claim, falling back to realm_access.roles
func roles(claims jwt.MapClaims) []string {
	if rs := stringSlice(claims["roles"]); len(rs) > 0 {
		return rs
	}
	if realm, ok := claims["realm_access"].(map[string]interface{}); ok {
		return stringSlice(realm["roles"])
	}
	return nil
}

func stringSlice(v interface{}) []string {
	switch vs := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vs
	case string:
		if vs == "" {
			return nil
		}
		return strings.Split(vs, ",")
	default:
		return nil
	}
}

// unixSeconds formats t as epoch seconds, or "" for the zero time
func unixSeconds(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d", t.Unix())
}
