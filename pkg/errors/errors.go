package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents the type of error
type ErrorCode string

const (
	// Client errors
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"

	// Lab lifecycle errors
	ErrGuardrailRejection     ErrorCode = "GUARDRAIL_REJECTION"
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrTimerInvariant         ErrorCode = "TIMER_INVARIANT_VIOLATION"
	ErrPipelineStepFailure    ErrorCode = "PIPELINE_STEP_FAILURE"
	ErrIntegrityMismatch      ErrorCode = "INTEGRITY_MISMATCH"

	// Server errors
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
	ErrDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrStorageError       ErrorCode = "STORAGE_ERROR"
	ErrExternalService    ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Guardrail rejection reasons, carried in the "reason" metadata key.
const (
	ReasonConcurrencyLimitExceeded = "ConcurrencyLimitExceeded"
	ReasonExtensionLimitExceeded   = "ExtensionLimitExceeded"
)

// AppError represents an application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	StatusCode int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithError adds an underlying error
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSession attaches the session context every lifecycle error must carry.
func (e *AppError) WithSession(sessionID, state string) *AppError {
	return e.WithMetadata("session_id", sessionID).WithMetadata("state", state)
}

// WithStep attaches the failing step name.
func (e *AppError) WithStep(step string) *AppError {
	return e.WithMetadata("step", step)
}

// Constructor functions for common errors

// NewBadRequest creates a bad request error
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewUnauthorized creates an unauthorized error
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewForbidden creates a forbidden error
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       ErrForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewNotFound creates a not found error
func NewNotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// NewConflict creates a conflict error
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       ErrConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewRateLimited creates a rate limit error
func NewRateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewGuardrailRejection creates a user-correctable guardrail rejection
func NewGuardrailRejection(reason, message string) *AppError {
	return (&AppError{
		Code:       ErrGuardrailRejection,
		Message:    message,
		StatusCode: http.StatusConflict,
	}).WithMetadata("reason", reason)
}

// NewInvalidStateTransition creates an invalid state transition error
func NewInvalidStateTransition(from, event string) *AppError {
	return (&AppError{
		Code:       ErrInvalidStateTransition,
		Message:    fmt.Sprintf("cannot apply %q in state %q", event, from),
		StatusCode: http.StatusConflict,
	}).WithMetadata("event", event)
}

// NewTimerInvariantViolation creates a timer invariant violation error
func NewTimerInvariantViolation(message string) *AppError {
	return &AppError{
		Code:       ErrTimerInvariant,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewPipelineStepFailure creates a driver-reported step failure
func NewPipelineStepFailure(step string, err error) *AppError {
	return (&AppError{
		Code:       ErrPipelineStepFailure,
		Message:    fmt.Sprintf("step %q failed", step),
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}).WithStep(step)
}

// NewIntegrityMismatch creates a packaging error for a tampered or truncated artifact
func NewIntegrityMismatch(artifact, expected, actual string) *AppError {
	return (&AppError{
		Code:       ErrIntegrityMismatch,
		Message:    fmt.Sprintf("artifact %q failed integrity check", artifact),
		StatusCode: http.StatusInternalServerError,
	}).WithMetadata("expected_hash", expected).WithMetadata("actual_hash", actual)
}

// NewInternal creates an internal server error
func NewInternal(message string) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string) *AppError {
	return &AppError{
		Code:       ErrDatabaseError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewStorageError creates a blob storage error
func NewStorageError(message string) *AppError {
	return &AppError{
		Code:       ErrStorageError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewExternalService creates an error for a failing collaborator
func NewExternalService(message string) *AppError {
	return &AppError{
		Code:       ErrExternalService,
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

// NewServiceUnavailable creates an error for a missing or disabled dependency
func NewServiceUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrServiceUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// AsAppError extracts the first AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return HasCode(err, ErrNotFound)
}

// IsUnauthorized checks if error is an unauthorized error
func IsUnauthorized(err error) bool {
	return HasCode(err, ErrUnauthorized)
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return HasCode(err, ErrValidation)
}

// IsGuardrailRejection checks if error is a guardrail rejection
func IsGuardrailRejection(err error) bool {
	return HasCode(err, ErrGuardrailRejection)
}

// IsInvalidStateTransition checks if error is an invalid state transition.
// Timer invariant violations are a kind of invalid transition and match too.
func IsInvalidStateTransition(err error) bool {
	return HasCode(err, ErrInvalidStateTransition) || HasCode(err, ErrTimerInvariant)
}

// IsIntegrityMismatch checks if error is an artifact integrity failure
func IsIntegrityMismatch(err error) bool {
	return HasCode(err, ErrIntegrityMismatch)
}

// Reason returns the "reason" metadata of a guardrail rejection
func Reason(err error) string {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Metadata == nil {
		return ""
	}
	reason, _ := appErr.Metadata["reason"].(string)
	return reason
}
