package domain

import (
	"fmt"
	"time"
)

// CDSSError represents a standardized error response
type CDSSError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *CDSSError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeDerivation     = "DERIVATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeDatabaseError  = "DATABASE_ERROR"
	ErrCodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
)

// NewCDSSError creates a new CDSSError with timestamp
func NewCDSSError(code, message, details, requestID string) *CDSSError {
	return &CDSSError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// DerivationError aborts a run: the patient record cannot be turned into facts.
// It is distinct from a run that completed with zero alerts.
type DerivationError struct {
	PatientID string
	Field     string
	Reason    string
}

func (e *DerivationError) Error() string {
	if e.PatientID == "" {
		return fmt.Sprintf("deriving facts: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("deriving facts for patient %s: %s: %s", e.PatientID, e.Field, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrDerivation).
func (e *DerivationError) Unwrap() error {
	return ErrDerivation
}
