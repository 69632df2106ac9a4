package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAgentExecution    = "AGENT_EXECUTION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	ErrCodeWorkspace         = "WORKSPACE_ERROR"
	ErrCodeDependency        = "DEPENDENCY_ERROR"
)

// WeaveError is the structured error type for all weave operations.
type WeaveError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeaveError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeaveError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeaveError.
func NewError(code, message string) *WeaveError {
	return &WeaveError{Code: code, Message: message}
}

// NewErrorf creates a new WeaveError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeaveError {
	return &WeaveError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *WeaveError) WithStep(stepID string) *WeaveError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeaveError) WithCause(err error) *WeaveError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeaveError) WithDetails(details map[string]any) *WeaveError {
	e.Details = details
	return e
}

// HasCode reports whether err is a WeaveError carrying the given code.
func HasCode(err error, code string) bool {
	var wErr *WeaveError
	if errors.As(err, &wErr) {
		return wErr.Code == code
	}
	return false
}

// IsValidation reports whether err is a validation failure raised before any
// execution state was created.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation)
}

// IsNotFound reports whether err is a NOT_FOUND WeaveError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
