package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All packages MUST use these constants instead of hardcoded strings.
const (
	// Validation
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidLimit ErrorCode = "validation_invalid_limit"
	ErrCodeValidationTimeWindow   ErrorCode = "validation_time_window_invalid"

	// Not Found
	ErrCodeNotFoundSchedule ErrorCode = "not_found_schedule"
	ErrCodeNotFoundTask     ErrorCode = "not_found_task"
	ErrCodeNotFoundTenant   ErrorCode = "not_found_tenant"
	ErrCodeNotFoundBrand    ErrorCode = "not_found_brand"

	// Conflict
	ErrCodeConflictInvalidTransition ErrorCode = "conflict_invalid_transition"
	ErrCodeConflictDuplicateStep     ErrorCode = "conflict_duplicate_step"

	// Configuration (terminal, never retried)
	ErrCodeConfigUnroutableTaskType ErrorCode = "config_unroutable_task_type"
	ErrCodeConfigMissingPayload     ErrorCode = "config_missing_payload_field"
	ErrCodeConfigUnknownExecutor    ErrorCode = "config_unknown_executor"

	// Upstream (transient)
	ErrCodeUpstreamGeneration  ErrorCode = "upstream_generation_unavailable"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_generation_timeout"
	ErrCodeUpstreamMalformed   ErrorCode = "upstream_generation_malformed"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// ErrorCategory groups error codes by how the job engine reacts to them.
type ErrorCategory string

const (
	// CategoryConfiguration failures are terminal and surfaced immediately.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryTransient failures enter the retry controller.
	CategoryTransient ErrorCategory = "transient"
	// CategoryConflict failures are lost conditional writes; callers treat them as no-ops.
	CategoryConflict   ErrorCategory = "conflict"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
)

// Category maps an ErrorCode to its ErrorCategory by prefix.
// Unrecognized codes are treated as transient so that they are retried
// rather than silently dropped.
func (c ErrorCode) Category() ErrorCategory {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "config_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "conflict_"):
		return CategoryConflict
	case strings.HasPrefix(s, "validation_"):
		return CategoryValidation
	case strings.HasPrefix(s, "not_found_"):
		return CategoryNotFound
	default:
		return CategoryTransient
	}
}

// AppError is the standard application error type used throughout the engine.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from anywhere in err's chain.
// Returns ErrCodeInternalUnexpected for errors that are not AppErrors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given ErrorCode.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
