package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for submission handling. The API layer maps these onto
// HTTP status codes with errors.Is.
var (
	// ErrDuplicateProcessing is returned when a session is already being
	// processed.
	ErrDuplicateProcessing = errors.New("session is already processing")

	// ErrAlreadyCompleted is returned when a session has already finished.
	ErrAlreadyCompleted = errors.New("session already completed")
)

// ValidationError indicates invalid submission input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StageError wraps a failure inside one frontend stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
