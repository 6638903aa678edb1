package domain

import (
	"fmt"
	"time"
)

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnknownMedication  = "UNKNOWN_MEDICATION"
	ErrCodeInvalidPhenotype   = "INVALID_PHENOTYPE"
	ErrCodeKnowledgeBase      = "KNOWLEDGE_BASE_ERROR"
	ErrCodeStorage            = "STORAGE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// UnknownMedicationError is returned when a name matches no generic or brand.
type UnknownMedicationError struct {
	Input string
}

func (e *UnknownMedicationError) Error() string {
	return fmt.Sprintf("unknown medication %q", e.Input)
}

// Unwrap lets errors.Is match ErrUnknownMedication.
func (e *UnknownMedicationError) Unwrap() error {
	return ErrUnknownMedication
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
