// Package errs defines the canonical error taxonomy for the JamAI backend.
//
// Every layer maps its failures into one of these kinds: handlers translate
// kinds into HTTP statuses, provider adapters translate vendor failures into
// kinds, and the row executor turns kinds into "[ERROR] ..." cell values.
// Nothing above the adapter layer ever inspects a vendor error directly.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindBadInput              Kind = "bad_input"
	KindUnauthenticated       Kind = "unauthenticated"
	KindForbidden             Kind = "forbidden"
	KindResourceNotFound      Kind = "resource_not_found"
	KindResourceExists        Kind = "resource_exists"
	KindInsufficientCredits   Kind = "insufficient_credits"
	KindContextOverflow       Kind = "context_overflow"
	KindProviderAuth          Kind = "provider_auth"
	KindProviderRateLimit     Kind = "provider_rate_limit"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindNoAvailableDeployment Kind = "no_available_deployment"
	KindUnexpected            Kind = "unexpected"
)

// CodeContextLengthExceeded is the OpenAI-compatible machine code carried by
// context overflow errors. Browser and SDK clients match on it verbatim.
const CodeContextLengthExceeded = "context_length_exceeded"

// Error is the one error type that crosses package boundaries.
type Error struct {
	Kind    Kind   `json:"name"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause. The cause is kept for logs and errors.Is/As chains
// but never serialized to clients.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithCode sets the machine-readable code and returns the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail attaches structured detail (serialized to clients).
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// ── Per-kind constructors ───────────────────────────────────

func BadInput(format string, args ...any) *Error {
	return New(KindBadInput, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(entity, key string) *Error {
	return New(KindResourceNotFound, "%s %q not found", entity, key)
}

func Exists(entity, key string) *Error {
	return New(KindResourceExists, "%s %q already exists", entity, key)
}

// InsufficientCredits carries the model name so clients can show which
// generation was refused.
func InsufficientCredits(model string) *Error {
	return New(KindInsufficientCredits,
		"insufficient credits: please top up your credits or upgrade your plan to keep using %s", model)
}

func ContextOverflow(format string, args ...any) *Error {
	return New(KindContextOverflow, format, args...).WithCode(CodeContextLengthExceeded)
}

func Unexpected(cause error) *Error {
	return Wrap(KindUnexpected, cause, "unexpected error")
}

// ── Inspection ──────────────────────────────────────────────

// KindOf extracts the kind from any error. Plain errors are Unexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// AsError returns the *Error in err's chain, wrapping plain errors
// as Unexpected so callers always get a renderable value.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Unexpected(err)
}

// Retryable reports whether the router may try another deployment.
// Auth failures and context overflows repeat identically everywhere,
// so retrying them only burns quota.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderRateLimit, KindProviderUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadInput, KindContextOverflow:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindInsufficientCredits:
		return http.StatusForbidden
	case KindResourceNotFound:
		return http.StatusNotFound
	case KindResourceExists:
		return http.StatusConflict
	case KindProviderAuth, KindProviderUnavailable:
		return http.StatusBadGateway
	case KindProviderRateLimit, KindNoAvailableDeployment:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
