// Package proxyerr defines the tagged error taxonomy of spec.md §7: a
// closed set of error kinds, each mapped to an HTTP status. Validation and
// translation failures short-circuit as a *Error; anything else crossing
// the worker boundary is wrapped as Internal (spec.md §9, "exception-driven
// control flow → tagged results").
package proxyerr

import (
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds from spec.md §7.
type Kind string

const (
	InvalidRequest      Kind = "InvalidRequest"
	AuthenticationFailure Kind = "AuthenticationFailure"
	UnsupportedModel    Kind = "UnsupportedModel"
	RateLimited         Kind = "RateLimited"
	UpstreamClientError Kind = "UpstreamClientError"
	UpstreamServerError Kind = "UpstreamServerError"
	NetworkError        Kind = "NetworkError"
	NetworkTimeout      Kind = "NetworkTimeout"
	CircuitOpen         Kind = "CircuitOpen"
	ResponseSizeViolation Kind = "ResponseSizeViolation"
	Internal            Kind = "Internal"
)

// Error is a tagged proxy error. It never carries a stack trace; Message is
// assumed already sanitized of sensitive substrings by the caller where the
// message may reach a client (see internal/sanitize).
type Error struct {
	Kind          Kind
	Message       string
	FieldPath     string // set for InvalidRequest field/shape violations
	CorrelationID string
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Kind, e.Message, e.FieldPath)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a tagged error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithField attaches a field path, for InvalidRequest errors that must
// report where in the payload the violation occurred (spec.md §7).
func (e *Error) WithField(path string) *Error {
	e.FieldPath = path
	return e
}

// WithCorrelationID stamps the error with the request's correlation id so it
// can be echoed in the response body (spec.md §6.5).
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// HTTPStatus maps a Kind to its HTTP status code per spec.md §7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest, UnsupportedModel:
		return http.StatusBadRequest
	case AuthenticationFailure:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamClientError:
		return http.StatusBadGateway
	case UpstreamServerError:
		return http.StatusBadGateway
	case NetworkError, CircuitOpen:
		return http.StatusServiceUnavailable
	case NetworkTimeout:
		return http.StatusGatewayTimeout
	case ResponseSizeViolation, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a *Error from err, wrapping anything else as Internal. This is
// the single place unexpected errors are caught at the worker boundary
// (spec.md §7 "Propagation policy").
func As(err error, correlationID string) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		if pe.CorrelationID == "" {
			pe.CorrelationID = correlationID
		}
		return pe
	}
	return &Error{Kind: Internal, Message: err.Error(), CorrelationID: correlationID}
}
