// Package errors defines sentinel error types shared across the relay.
package errors

import "fmt"

// ErrNotFound represents a "not found" error
// This should be used when a requested resource doesn't exist
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found
type NotFoundError struct {
	Resource string
	Message  string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return "resource not found"
}

// Is implements the error interface for error comparison
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// NewNotFoundError creates a new NotFoundError with a custom message
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Message:  message,
	}
}

// ErrQuotaExceeded represents a monthly quota rejection
// This should be used when an account has used up its tier's request budget
var ErrQuotaExceeded = &QuotaExceededError{}

// QuotaExceededError is a sentinel error for quota rejections. It carries the
// quota snapshot so handlers can return it to the caller.
type QuotaExceededError struct {
	Tier      string
	Used      int64
	Limit     int64
	ResetDate string
}

// Error implements the error interface
func (e *QuotaExceededError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("monthly quota exceeded (%d/%d, tier %s)", e.Used, e.Limit, e.Tier)
	}
	return "monthly quota exceeded"
}

// Is implements the error interface for error comparison
func (e *QuotaExceededError) Is(target error) bool {
	_, ok := target.(*QuotaExceededError)
	return ok
}

// ErrValidation represents a validation error
// This should be used when client input fails validation
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field: %s", e.Field)
	}
	return "validation error"
}

// Is implements the error interface for error comparison
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError with a custom message
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
