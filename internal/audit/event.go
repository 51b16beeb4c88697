// Package audit delivers best-effort audit events off the response path.
package audit

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an audit event variant
type EventType string

const (
	EventRequest        EventType = "request"
	EventResponse       EventType = "response"
	EventError          EventType = "error"
	EventSecurity       EventType = "security"
	EventRateLimit      EventType = "rate-limit"
	EventCircuitBreaker EventType = "circuit-breaker"
)

// Event is a single audit record. Fields that do not apply to a variant are
// omitted when the event is serialized.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// request
	Method     string              `json:"method,omitempty"`
	Path       string              `json:"path,omitempty"`
	RemoteAddr string              `json:"remoteAddr,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`

	// response
	Status     int   `json:"status,omitempty"`
	DurationMS int64 `json:"durationMs,omitempty"`

	// error
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`

	// security
	Reason string `json:"reason,omitempty"`

	// rate-limit
	RouteID   string `json:"routeId,omitempty"`
	Key       string `json:"key,omitempty"`
	Allowed   *bool  `json:"allowed,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`

	// circuit-breaker
	Dependency string `json:"dependency,omitempty"`
	FromState  string `json:"fromState,omitempty"`
	ToState    string `json:"toState,omitempty"`
}

// Attributes returns the Pub/Sub message attributes for the event
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"event_type": string(e.Type),
		"event_id":   e.ID,
	}
	if e.CorrelationID != "" {
		attrs["correlation_id"] = e.CorrelationID
	}
	return attrs
}

func newEvent(t EventType, correlationID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// RequestEvent records a received request. Headers must already be redacted.
func RequestEvent(correlationID, method, path, remoteAddr string, headers http.Header) Event {
	e := newEvent(EventRequest, correlationID)
	e.Method = method
	e.Path = path
	e.RemoteAddr = remoteAddr
	if len(headers) > 0 {
		e.Headers = headers
	}
	return e
}

// ResponseEvent records a completed response
func ResponseEvent(correlationID, method, path string, status int, duration time.Duration) Event {
	e := newEvent(EventResponse, correlationID)
	e.Method = method
	e.Path = path
	e.Status = status
	e.DurationMS = duration.Milliseconds()
	return e
}

// ErrorEvent records a failure. message may hold internal detail since audit
// events never reach the client.
func ErrorEvent(correlationID, method, path, code string, status int, message string) Event {
	e := newEvent(EventError, correlationID)
	e.Method = method
	e.Path = path
	e.ErrorCode = code
	e.Status = status
	e.Message = message
	return e
}

// SecurityEvent records a suspicious or rejected credential
func SecurityEvent(correlationID, path, reason, message string) Event {
	e := newEvent(EventSecurity, correlationID)
	e.Path = path
	e.Reason = reason
	e.Message = message
	return e
}

// RateLimitEvent records a limiter decision
func RateLimitEvent(correlationID, routeID, key string, allowed bool, remaining int64) Event {
	e := newEvent(EventRateLimit, correlationID)
	e.RouteID = routeID
	e.Key = key
	e.Allowed = &allowed
	e.Remaining = &remaining
	return e
}

// CircuitBreakerEvent records a breaker transition
func CircuitBreakerEvent(dependency, from, to string) Event {
	e := newEvent(EventCircuitBreaker, "")
	e.Dependency = dependency
	e.FromState = from
	e.ToState = to
	return e
}

// Emitter accepts audit events. Emit never blocks and never fails.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(Event)

// Emit calls f(e)
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Emitter = EmitterFunc(func(Event) {})
