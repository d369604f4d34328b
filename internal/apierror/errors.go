// Package apierror defines the error taxonomy shared by the gateway and its
// mapping onto HTTP responses.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Every *Error wraps exactly one of these so callers can use
// errors.Is without knowing about *Error.
var (
	ErrValidation        = errors.New("validation error")
	ErrCredential        = errors.New("credential error")
	ErrTransientUpstream = errors.New("transient upstream error")
	ErrAuthUpstream      = errors.New("upstream authentication error")
	ErrDecode            = errors.New("decode error")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNoProvider        = errors.New("no active provider")
)

// Error carries a kind, a client-safe message and the underlying cause.
type Error struct {
	Code    string
	Message string
	Hint    string
	// Timeout marks a transient failure caused by a deadline rather than a
	// failed response.
	Timeout bool
	// Status is the upstream HTTP status, zero when no response was received.
	Status int

	kind  error
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// HTTPStatus is the status the inbound surface answers with.
func (e *Error) HTTPStatus() int {
	switch e.kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrCredential, ErrAuthUpstream, ErrNoProvider:
		return http.StatusServiceUnavailable
	case ErrTransientUpstream:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyExists:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Code:    "invalid_request_error",
		Message: fmt.Sprintf(format, args...),
		kind:    ErrValidation,
	}
}

func NewCredentialError(message string) *Error {
	return &Error{
		Code:    "credentials_unavailable",
		Message: message,
		Hint:    "deliver fresh vendor credentials",
		kind:    ErrCredential,
	}
}

func NewTransientUpstreamError(status int, timeout bool, cause error) *Error {
	msg := "upstream request failed"
	if status != 0 {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	if timeout {
		msg = "upstream request timed out"
	}

	return &Error{
		Code:    "upstream_error",
		Message: msg,
		Timeout: timeout,
		Status:  status,
		kind:    ErrTransientUpstream,
		cause:   cause,
	}
}

func NewAuthUpstreamError(status int) *Error {
	return &Error{
		Code:    "upstream_auth_error",
		Message: fmt.Sprintf("upstream rejected credentials with status %d", status),
		Hint:    "credentials invalid, log in to the vendor again",
		Status:  status,
		kind:    ErrAuthUpstream,
	}
}

// NewDecodeError is never surfaced to clients on its own; decoders log it and
// continue.
func NewDecodeError(message string, cause error) *Error {
	return &Error{
		Code:    "decode_error",
		Message: message,
		kind:    ErrDecode,
		cause:   cause,
	}
}

func NewNotFoundError(resource, name string) *Error {
	return &Error{
		Code:    "not_found",
		Message: fmt.Sprintf("%s '%s' not found", resource, name),
		kind:    ErrNotFound,
	}
}

func NewAlreadyExistsError(resource, name string) *Error {
	return &Error{
		Code:    "already_exists",
		Message: fmt.Sprintf("%s '%s' already exists", resource, name),
		kind:    ErrAlreadyExists,
	}
}

func NewNoProviderError() *Error {
	return &Error{
		Code:    "no_active_provider",
		Message: "no enabled provider is configured",
		Hint:    "create a provider and mark it active",
		kind:    ErrNoProvider,
	}
}

// NewUnauthorizedError rejects a client that did not present the gateway's
// API key.
func NewUnauthorizedError(message string) *Error {
	return &Error{
		Code:    "invalid_api_key",
		Message: message,
		kind:    ErrUnauthorized,
	}
}

// Wrap attaches a cause to an existing error, keeping its kind.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HTTPStatus maps any error to a status; unknown errors are 500.
func HTTPStatus(err error) int {
	if apiErr, ok := As(err); ok {
		return apiErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsCredential(err error) bool { return errors.Is(err, ErrCredential) }
func IsTransientUpstream(err error) bool { return errors.Is(err, ErrTransientUpstream) }
func IsAuthUpstream(err error) bool { return errors.Is(err, ErrAuthUpstream) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
