package errors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Code is a client-visible error code from the closed taxonomy.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeMethodNotAllowed   Code = "METHOD_NOT_ALLOWED"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal           Code = "INTERNAL_SERVER_ERROR"
	CodeBadGateway         Code = "BAD_GATEWAY"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeGatewayTimeout     Code = "GATEWAY_TIMEOUT"
	CodeUnknown            Code = "UNKNOWN_ERROR"

	// CodeClientClosedRequest marks a request the client abandoned before a
	// response was ready. Nobody reads the envelope.
	CodeClientClosedRequest Code = "CLIENT_CLOSED_REQUEST"
)

// StatusClientClosedRequest is the non-standard status logged for requests
// the client abandoned
const StatusClientClosedRequest = 499

// Status returns the HTTP status paired with the code.
func (c Code) Status() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeBadGateway:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	case CodeClientClosedRequest:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether the code describes a problem with the request
// rather than with the gateway or a dependency.
func (c Code) IsClientError() bool {
	return c.Status() < http.StatusInternalServerError
}

var classCodes = []struct {
	class error
	code  Code
}{
	{ErrValidation, CodeBadRequest},
	{ErrAuthentication, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrNotFound, CodeNotFound},
	{ErrMethodNotAllowed, CodeMethodNotAllowed},
	{ErrRateLimit, CodeRateLimitExceeded},
	{ErrBadGateway, CodeBadGateway},
	{ErrConnection, CodeServiceUnavailable},
	{ErrUnavailable, CodeServiceUnavailable},
	{ErrTimeout, CodeGatewayTimeout},
	{ErrCanceled, CodeClientClosedRequest},
	{ErrPublish, CodeInternal},
	{ErrInternal, CodeInternal},
}

// Classify maps any error onto the taxonomy. Errors built by this package keep
// their class; transport and decoding failures are recognised by type; anything
// else is UNKNOWN_ERROR.
func Classify(err error) Code {
	if err == nil {
		return ""
	}

	var customErr *errorType
	if errors.As(err, &customErr) {
		for _, cc := range classCodes {
			if errors.Is(customErr.baseErr, cc.class) {
				return cc.code
			}
		}
		return CodeUnknown
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CodeClientClosedRequest
	case isTimeout(err):
		return CodeGatewayTimeout
	case isConnectionRefused(err):
		return CodeServiceUnavailable
	case isMalformedBody(err):
		return CodeBadRequest
	}

	return CodeUnknown
}

// PublicMessage returns the message that may be shown to a client. Only
// messages written for this package's constructors are exposed; foreign error
// text never is.
func PublicMessage(err error) string {
	var customErr *errorType
	if errors.As(err, &customErr) && customErr.msg != "" {
		return customErr.msg
	}
	return DefaultMessage(Classify(err))
}

// DefaultMessage is the generic client message for a code.
func DefaultMessage(code Code) string {
	switch code {
	case CodeBadRequest:
		return "The request could not be processed"
	case CodeUnauthorized:
		return "Authentication is required"
	case CodeForbidden:
		return "Access to this resource is forbidden"
	case CodeNotFound:
		return "The requested resource was not found"
	case CodeMethodNotAllowed:
		return "The request method is not supported for this resource"
	case CodeRateLimitExceeded:
		return "Too many requests, please retry later"
	case CodeBadGateway:
		return "The upstream service returned an invalid response"
	case CodeServiceUnavailable:
		return "The service is temporarily unavailable"
	case CodeGatewayTimeout:
		return "The upstream service did not respond in time"
	case CodeInternal:
		return "An internal error occurred"
	case CodeClientClosedRequest:
		return "The client closed the request"
	default:
		return "An unexpected error occurred"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isMalformedBody(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &maxBytesErr) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
