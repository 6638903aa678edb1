package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Basic error",
			code:      ErrCodeInvalidInput,
			message:   "Patient context is empty",
			details:   "Provide at least one gene or medication",
			requestID: "req-123",
		},
		{
			name:      "Storage error",
			code:      ErrCodeStorage,
			message:   "Snapshot store unavailable",
			details:   "Unable to open SQLite database",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.Details != tt.details {
				t.Errorf("Expected details %s, got %s", tt.details, err.Details)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("phenotype", "value is not a metabolizer status", "sometimes")
	expected := "validation error for field 'phenotype': value is not a metabolizer status"
	if err.Error() != expected {
		t.Errorf("Expected %s, got %s", expected, err.Error())
	}

	wrapped := fmt.Errorf("adjusting CYP2D6: %w", err)
	var target *ValidationError
	if !errors.As(wrapped, &target) || target.Field != "phenotype" {
		t.Errorf("Expected wrapped ValidationError to be recoverable")
	}
}

func TestUnknownMedicationError(t *testing.T) {
	err := fmt.Errorf("resolving: %w", &UnknownMedicationError{Input: "unobtainium"})

	if !errors.Is(err, ErrUnknownMedication) {
		t.Errorf("Expected errors.Is to match ErrUnknownMedication")
	}
	var target *UnknownMedicationError
	if !errors.As(err, &target) || target.Input != "unobtainium" {
		t.Errorf("Expected input to be preserved, got %+v", target)
	}
}
