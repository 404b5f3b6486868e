package domain

import (
	"fmt"
	"time"
)

// PipelineError represents a failure of a named pipeline stage
type PipelineError struct {
	Code      string    `json:"code"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Stage, e.Message)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Error codes for different failure scenarios
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeLoader        = "LOADER_ERROR"
	ErrCodeFilter        = "FILTER_ERROR"
	ErrCodeFlatten       = "FLATTEN_ERROR"
	ErrCodeMerge         = "MERGE_ERROR"
	ErrCodeStorage       = "STORAGE_ERROR"
)

// ValidationError represents a configuration error detected at construction time
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (got %v)", e.Field, e.Message, e.Value)
}

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(code, stage, message string, err error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Err:       err,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
