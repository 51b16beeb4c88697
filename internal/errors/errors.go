// Package errors provides the error taxonomy shared by every pipeline stage.
// Errors are built from sentinel classes, carry a client-safe message, and
// optionally details, response headers and a retry hint. Classify maps any
// error, including foreign ones, onto a closed set of client-visible codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error classes for the gateway
var (
	ErrValidation       = errors.New("validation error")
	ErrAuthentication   = errors.New("authentication error")
	ErrForbidden        = errors.New("forbidden error")
	ErrNotFound         = errors.New("not found error")
	ErrMethodNotAllowed = errors.New("method not allowed error")
	ErrRateLimit        = errors.New("rate limit error")
	ErrInternal         = errors.New("internal error")
	ErrPublish          = errors.New("publish error")
	ErrBadGateway       = errors.New("bad gateway error")
	ErrConnection       = errors.New("connection error")
	ErrUnavailable      = errors.New("service unavailable error")
	ErrTimeout          = errors.New("timeout error")
	ErrCanceled         = errors.New("canceled error")
)

// errorType is a custom error with a specific class
type errorType struct {
	baseErr error
	msg     string
	cause   error
	details map[string]interface{}
	header  http.Header
	// Flag to indicate if the error is retryable
	retryable bool
}

type ErrorWithDetails interface {
	Error() string
	Details() map[string]interface{}
}

// Error implements the error interface
func (e *errorType) Error() string {
	if e == nil {
		return ""
	}

	base := fmt.Sprintf("%s: %s", e.baseErr.Error(), e.msg)

	if len(e.details) > 0 {
		detailsJSON, err := json.Marshal(e.details)
		if err == nil {
			base += fmt.Sprintf(" - details: %s", detailsJSON)
		}
	}

	if e.cause != nil {
		base += fmt.Sprintf(" - caused by: %v", e.cause)
	}

	return base
}

// Unwrap returns the underlying cause of the error
func (e *errorType) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether the error belongs to the target class
func (e *errorType) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	return errors.Is(e.baseErr, target)
}

// Details returns the explicitly attached details
func (e *errorType) Details() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *errorType) clone() *errorType {
	c := *e
	if e.header != nil {
		c.header = e.header.Clone()
	}
	return &c
}

func newError(base error, msg string, cause error, retryable bool) error {
	return &errorType{
		baseErr:   base,
		msg:       msg,
		cause:     cause,
		retryable: retryable,
	}
}

// NewValidationError creates a new validation error; it surfaces as BAD_REQUEST
func NewValidationError(msg string) error {
	return newError(ErrValidation, msg, nil, false)
}

// NewAuthError creates a new authentication error
func NewAuthError(msg string) error {
	return newError(ErrAuthentication, msg, nil, false)
}

// NewForbiddenError creates a new authorization error
func NewForbiddenError(msg string) error {
	return newError(ErrForbidden, msg, nil, false)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(msg string) error {
	return newError(ErrNotFound, msg, nil, false)
}

// NewMethodNotAllowedError creates a new method not allowed error
func NewMethodNotAllowedError(msg string) error {
	return newError(ErrMethodNotAllowed, msg, nil, false)
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(msg string) error {
	return newError(ErrRateLimit, msg, nil, true)
}

// NewInternalError creates a new internal error
func NewInternalError(msg string) error {
	return newError(ErrInternal, msg, nil, false)
}

// NewPublishError creates a new publish error
func NewPublishError(msg string, cause error) error {
	return newError(ErrPublish, msg, cause, true)
}

// NewBadGatewayError creates an error for an invalid upstream exchange
func NewBadGatewayError(msg string, cause error) error {
	return newError(ErrBadGateway, msg, cause, true)
}

// NewConnectionError creates a new connection error
func NewConnectionError(msg string, cause error) error {
	return newError(ErrConnection, msg, cause, true)
}

// NewUnavailableError creates an error for a dependency that is refusing traffic
func NewUnavailableError(msg string) error {
	return newError(ErrUnavailable, msg, nil, true)
}

// NewTimeoutError creates an error for an upstream call that ran out of time
func NewTimeoutError(msg string, cause error) error {
	return newError(ErrTimeout, msg, cause, true)
}

// NewCanceledError creates an error for a call abandoned because the client
// went away
func NewCanceledError(msg string, cause error) error {
	return newError(ErrCanceled, msg, cause, false)
}

// Wrap wraps an error with additional context
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}

	var customErr *errorType
	if errors.As(err, &customErr) {
		c := customErr.clone()
		c.msg = msg + ": " + customErr.msg
		return c
	}

	// Foreign errors keep their text as the cause only
	return newError(ErrInternal, msg, err, false)
}

// Unwrap returns the wrapped error, following Go 1.13 error unwrapping convention
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// WithDetails attaches client-visible detail information to an error
func WithDetails(err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}

	var customErr *errorType
	if errors.As(err, &customErr) {
		c := customErr.clone()
		c.details = details
		return c
	}

	e := newError(ErrInternal, "internal error", err, false).(*errorType)
	e.details = details
	return e
}

// WithHeader attaches a response header that should accompany the error
func WithHeader(err error, key, value string) error {
	if err == nil {
		return nil
	}

	var customErr *errorType
	var c *errorType
	if errors.As(err, &customErr) {
		c = customErr.clone()
	} else {
		c = newError(ErrInternal, "internal error", err, false).(*errorType)
	}
	if c.header == nil {
		c.header = make(http.Header)
	}
	c.header.Set(key, value)
	return c
}

// MakeRetryable marks an error as retryable
func MakeRetryable(err error) error {
	if err == nil {
		return nil
	}

	var customErr *errorType
	if errors.As(err, &customErr) {
		c := customErr.clone()
		c.retryable = true
		return c
	}

	return newError(ErrInternal, "internal error", err, true)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return err != nil && errors.Is(err, ErrValidation)
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	return err != nil && errors.Is(err, ErrAuthentication)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	return err != nil && errors.Is(err, ErrRateLimit)
}

// IsPublishError checks if the error is a publish error
func IsPublishError(err error) bool {
	return err != nil && errors.Is(err, ErrPublish)
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	return err != nil && errors.Is(err, ErrConnection)
}

// IsUnavailableError checks if the error reports an unavailable dependency
func IsUnavailableError(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}

// IsTimeoutError checks if the error is a timeout error
func IsTimeoutError(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}

// IsCanceledError checks if the client abandoned the request
func IsCanceledError(err error) bool {
	return err != nil && errors.Is(err, ErrCanceled)
}

// IsInternalError checks if the error is an internal error
func IsInternalError(err error) bool {
	return err != nil && errors.Is(err, ErrInternal)
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var customErr *errorType
	if !errors.As(err, &customErr) {
		return false
	}
	return customErr.retryable
}

// Format returns a properly formatted error string
func Format(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetDetails returns error details if available, nil otherwise
func GetDetails(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var detailedErr ErrorWithDetails
	if errors.As(err, &detailedErr) {
		return detailedErr.Details()
	}

	return nil
}

// GetHeader returns the response headers attached to an error
func GetHeader(err error) http.Header {
	var customErr *errorType
	if !errors.As(err, &customErr) {
		return nil
	}
	return customErr.header
}

// WithRetryOption adds a retry duration suggestion to an error
func WithRetryOption(err error, retrySeconds int) error {
	if err == nil {
		return nil
	}

	details := GetDetails(err)
	merged := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		merged[k] = v
	}
	merged["retry_after"] = retrySeconds

	return MakeRetryable(WithDetails(err, merged))
}

// GetRetryOption extracts the retry duration from an error if available
func GetRetryOption(err error) (int, bool) {
	details := GetDetails(err)
	if details == nil {
		return 0, false
	}

	if retry, ok := details["retry_after"]; ok {
		if retryInt, ok := retry.(int); ok {
			return retryInt, true
		}
	}

	return 0, false
}
