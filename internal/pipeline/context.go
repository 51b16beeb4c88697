package pipeline

import (
	"context"
	"time"
)

// Version strategies recorded on the RequestContext
const (
	StrategyHeader  = "header"
	StrategyPath    = "path"
	StrategyQuery   = "query"
	StrategyDefault = "default"
)

// Identity holds verified credential claims
type Identity struct {
	Subject   string
	UserID    string
	Email     string
	Roles     []string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ID returns the user id claim, falling back to the subject
func (i *Identity) ID() string {
	if i == nil {
		return ""
	}
	if i.UserID != "" {
		return i.UserID
	}
	return i.Subject
}

// RequestContext is the per-request state threaded through the stages. Stages
// only ever add to it: every setter refuses to replace a value that is already
// set and reports whether it stored the new one.
type RequestContext struct {
	correlationID   string
	arrivalTime     time.Time
	apiVersion      string
	versionStrategy string
	identity        *Identity
	rateLimitKey    string
	routeID         string
}

func (c *RequestContext) CorrelationID() string   { return c.correlationID }
func (c *RequestContext) ArrivalTime() time.Time  { return c.arrivalTime }
func (c *RequestContext) APIVersion() string      { return c.apiVersion }
func (c *RequestContext) VersionStrategy() string { return c.versionStrategy }
func (c *RequestContext) Identity() *Identity     { return c.identity }
func (c *RequestContext) RateLimitKey() string    { return c.rateLimitKey }
func (c *RequestContext) RouteID() string         { return c.routeID }

// SetCorrelation records the correlation id and arrival time
func (c *RequestContext) SetCorrelation(id string, arrival time.Time) bool {
	if c.correlationID != "" || id == "" {
		return false
	}
	c.correlationID = id
	c.arrivalTime = arrival
	return true
}

// SetVersion records the resolved API version and the strategy that produced it
func (c *RequestContext) SetVersion(version, strategy string) bool {
	if c.apiVersion != "" || version == "" {
		return false
	}
	c.apiVersion = version
	c.versionStrategy = strategy
	return true
}

// SetIdentity attaches verified claims
func (c *RequestContext) SetIdentity(id *Identity) bool {
	if c.identity != nil || id == nil {
		return false
	}
	c.identity = id
	return true
}

// SetRateLimitKey records the limiter key
func (c *RequestContext) SetRateLimitKey(key string) bool {
	if c.rateLimitKey != "" || key == "" {
		return false
	}
	c.rateLimitKey = key
	return true
}

// SetRouteID records the matched route
func (c *RequestContext) SetRouteID(id string) bool {
	if c.routeID != "" || id == "" {
		return false
	}
	c.routeID = id
	return true
}

type contextKey struct{}

// WithContext stores rc in ctx so code outside the stage chain, such as the
// access log middleware, can read it.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, if any
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
