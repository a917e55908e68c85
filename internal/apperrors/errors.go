// Package apperrors implements the typed error taxonomy the DAL core uses
// to discriminate failure kinds across every component boundary: signer,
// governance layer, object store, ML service, and local invariants.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType discriminates the error kinds defined by the orchestration
// core's error handling design. Every core operation returns one of these
// (wrapped or bare) rather than an ad-hoc error string.
type ErrorType string

const (
	// ErrorTypeInvalidInput is a schema/precondition failure. Never retried.
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	// ErrorTypePermissionDenied is an authorization failure. Never retried.
	ErrorTypePermissionDenied ErrorType = "permission_denied"
	// ErrorTypeConflict is a state-precondition failure (prior status wrong).
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTransient covers network errors, 5xx, timeouts, and
	// half-open breaker probes. Retried with backoff up to a ceiling.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent covers 4xx (non-429), signature rejection, and
	// object-store permanent failures. Transitions the affected
	// deployment/iteration to failed.
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeInternalInvariant is a violated local invariant (e.g. round
	// counter regression). The affected project is quiesced.
	ErrorTypeInternalInvariant ErrorType = "internal_invariant"
)

// AppError is a structured error carrying a machine-readable type, an
// HTTP-ish status code, an optional human-readable detail string, and the
// underlying cause (never the signer's secret material).
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func statusForType(t ErrorType) int {
	switch t {
	case ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case ErrorTypePermissionDenied:
		return http.StatusForbidden
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case ErrorTypePermanent:
		return http.StatusUnprocessableEntity
	case ErrorTypeInternalInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusForType(t)}
}

// Newf creates an AppError of the given type with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error with a type and message.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusForType(t), Cause: cause}
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional detail text, modifying e in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text, modifying e in place.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Convenience constructors for the named error kinds.

func InvalidInput(message string) *AppError      { return New(ErrorTypeInvalidInput, message) }
func PermissionDenied(message string) *AppError   { return New(ErrorTypePermissionDenied, message) }
func Conflict(message string) *AppError           { return New(ErrorTypeConflict, message) }
func Transient(cause error, op string) *AppError {
	return Wrapf(cause, ErrorTypeTransient, "transient failure during %s", op)
}
func Permanent(cause error, op string) *AppError {
	return Wrapf(cause, ErrorTypePermanent, "permanent failure during %s", op)
}
func InternalInvariant(message string) *AppError { return New(ErrorTypeInternalInvariant, message) }

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the ErrorType for err, or ErrorTypeInternalInvariant if
// err is not an *AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternalInvariant
}

// GetStatusCode returns the HTTP-ish status code for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// safeMessages holds the caller-safe text for error types whose underlying
// Message may contain details not meant for external callers.
var safeMessages = map[ErrorType]string{
	ErrorTypePermissionDenied:  "permission denied",
	ErrorTypeConflict:          "the resource is not in the expected state",
	ErrorTypeTransient:         "the operation is temporarily unavailable, retry later",
	ErrorTypePermanent:         "the operation failed and will not be retried",
	ErrorTypeInternalInvariant: "an internal invariant was violated; the project has been quiesced",
}

// SafeErrorMessage returns a message safe to surface to an external caller.
// InvalidInput messages pass through verbatim (they describe the caller's
// own input); everything else is replaced with a generic, secret-free
// message so that signer material or internal details never leak.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Type == ErrorTypeInvalidInput {
			return appErr.Message
		}
		if msg, ok := safeMessages[appErr.Type]; ok {
			return msg
		}
		return "an internal error occurred"
	}
	return "an unexpected error occurred"
}

// LogFields returns structured fields suitable for passing to slog, e.g.
// logger.Error("deploy failed", apperrors.LogFields(err)...).
func LogFields(err error) []any {
	fields := []any{"error", err.Error()}
	var appErr *AppError
	if errors.As(err, &appErr) {
		fields = append(fields, "error_type", string(appErr.Type), "status_code", appErr.StatusCode)
		if appErr.Details != "" {
			fields = append(fields, "error_details", appErr.Details)
		}
		if appErr.Cause != nil {
			fields = append(fields, "underlying_error", appErr.Cause.Error())
		}
	}
	return fields
}

// Chain combines multiple errors into one, skipping nils. Returns nil if
// every argument was nil, the bare error if exactly one was non-nil, and a
// joined error (via errors.Join) otherwise.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return errors.Join(nonNil...)
	}
}
