package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of an authentication or proxying failure.
type Kind string

const (
	// Token validation failures.
	KindMalformedToken       Kind = "MALFORMED_TOKEN"
	KindUnsupportedAlgorithm Kind = "UNSUPPORTED_ALGORITHM"
	KindUnknownSigningKey    Kind = "UNKNOWN_SIGNING_KEY"
	KindInvalidSignature     Kind = "INVALID_SIGNATURE"
	KindTokenExpired         Kind = "TOKEN_EXPIRED"
	KindTokenNotYetValid     Kind = "TOKEN_NOT_YET_VALID"
	KindIssuerMismatch       Kind = "ISSUER_MISMATCH"
	KindAudienceMismatch     Kind = "AUDIENCE_MISMATCH"
	KindInsufficientScope    Kind = "INSUFFICIENT_SCOPE"

	// Key resolution failures.
	KindKeyFetchFailed Kind = "KEY_FETCH_FAILED"

	// Upstream proxy failures.
	KindDiscoveryUnavailable            Kind = "DISCOVERY_UNAVAILABLE"
	KindRegistrationUpstreamUnavailable Kind = "REGISTRATION_UPSTREAM_UNAVAILABLE"

	// Everything else.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Error is the error type returned by every memoryguard component. It carries
// a Kind for programmatic handling, an operator-facing message, and the
// wrapped cause. Messages never contain raw tokens or key material.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and message.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf extracts the Kind from an error chain. Errors that did not originate
// in this package report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus returns the HTTP status code for an error. Validation failures
// are 401 except missing scope, which is 403 per RFC 6750; upstream proxy
// failures are 502.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedToken, KindUnsupportedAlgorithm, KindUnknownSigningKey,
		KindInvalidSignature, KindTokenExpired, KindTokenNotYetValid,
		KindIssuerMismatch, KindAudienceMismatch, KindKeyFetchFailed:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindDiscoveryUnavailable, KindRegistrationUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BearerCode returns the RFC 6750 error code advertised in error bodies and
// WWW-Authenticate challenges.
func BearerCode(err error) string {
	switch KindOf(err) {
	case KindInsufficientScope:
		return "insufficient_scope"
	case KindDiscoveryUnavailable, KindRegistrationUpstreamUnavailable:
		return "temporarily_unavailable"
	case KindInternal:
		return "server_error"
	default:
		return "invalid_token"
	}
}

// Message returns the operator-facing message for an error, without the
// wrapped cause chain.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// WriteJSON writes the structured error body for an error, using the status
// and bearer code derived from its kind. The body never includes the wrapped
// cause, which may reference upstream hosts or header contents.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error":             BearerCode(err),
		"error_description": Message(err),
	})
}
