// Package errors provides standardized error handling for the tap redemption service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the tap redemption service.
type ErrorCode string

const (
	// Validation errors
	TAP_VALIDATION  ErrorCode = "TAP_VALIDATION"  // General validation error
	TAP_BAD_REQUEST ErrorCode = "TAP_BAD_REQUEST" // Bad request
	TAP_BAD_ADDRESS ErrorCode = "TAP_BAD_ADDRESS" // Claimer address invalid

	// Authentication/Authorization errors
	TAP_AUTHZ ErrorCode = "TAP_AUTHZ" // Authorization failed
	TAP_AUTHN ErrorCode = "TAP_AUTHN" // Authentication failed

	// Resource errors
	TAP_NOT_FOUND ErrorCode = "TAP_NOT_FOUND" // Resource not found
	TAP_CONFLICT  ErrorCode = "TAP_CONFLICT"  // State transition conflict
	TAP_EXHAUSTED ErrorCode = "TAP_EXHAUSTED" // Drop has no available codes

	// Upstream errors
	TAP_AUTHORITY ErrorCode = "TAP_AUTHORITY" // Claim authority unreachable or rejected

	// Server errors
	TAP_INTERNAL    ErrorCode = "TAP_INTERNAL"    // Internal server error
	TAP_UNAVAILABLE ErrorCode = "TAP_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case TAP_VALIDATION, TAP_BAD_REQUEST, TAP_BAD_ADDRESS:
		return http.StatusBadRequest
	case TAP_AUTHZ:
		return http.StatusForbidden
	case TAP_AUTHN:
		return http.StatusUnauthorized
	case TAP_NOT_FOUND:
		return http.StatusNotFound
	case TAP_CONFLICT, TAP_EXHAUSTED:
		return http.StatusConflict
	case TAP_AUTHORITY:
		return http.StatusBadGateway
	case TAP_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
