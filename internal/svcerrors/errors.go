// Package errors provides unified error handling for the service layer
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized     ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken     ErrorCode = "AUTH_1002"
	ErrCodeTokenExpired     ErrorCode = "AUTH_1003"
	ErrCodeInvalidSignature ErrorCode = "AUTH_1004"

	// Authorization errors (2xxx)
	ErrCodeForbidden         ErrorCode = "AUTHZ_2001"
	ErrCodeOwnershipRequired ErrorCode = "AUTHZ_2002"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeStorageError      ErrorCode = "SVC_5002"
	ErrCodeExternalAPI       ErrorCode = "SVC_5004"
	ErrCodeTimeout           ErrorCode = "SVC_5005"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5006"

	// Discovery / registry errors (6xxx)
	ErrCodeSUTUnknown      ErrorCode = "DISC_6001"
	ErrCodeSUTOffline      ErrorCode = "DISC_6002"
	ErrCodeSUTNotPaired    ErrorCode = "DISC_6003"
	ErrCodeSUTAlreadyPaired ErrorCode = "DISC_6004"

	// Account scheduler errors (7xxx)
	ErrCodeAccountHeld       ErrorCode = "ACCT_7001"
	ErrCodeAccountNotHeld    ErrorCode = "ACCT_7002"
	ErrCodeAccountUnknown    ErrorCode = "ACCT_7003"

	// Run/executor errors (8xxx)
	ErrCodeRunNotFound     ErrorCode = "RUN_8001"
	ErrCodeRunAlreadyFinal ErrorCode = "RUN_8002"
	ErrCodeStepFailed      ErrorCode = "RUN_8003"

	// Vision queue errors (9xxx)
	ErrCodeQueueFull      ErrorCode = "QUEUE_9001"
	ErrCodeUpstreamUnreachable ErrorCode = "QUEUE_9002"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication Errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "Invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "Authentication token has expired", http.StatusUnauthorized)
}

func InvalidSignature(err error) *ServiceError {
	return Wrap(ErrCodeInvalidSignature, "Invalid signature", http.StatusUnauthorized, err)
}

// Authorization Errors

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

func OwnershipRequired(resource string) *ServiceError {
	return New(ErrCodeOwnershipRequired, "Ownership verification required", http.StatusForbidden).
		WithDetails("resource", resource)
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func StorageError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStorageError, "Persistent state operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "External API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Discovery / registry errors

func SUTUnknown(uniqueID string) *ServiceError {
	return New(ErrCodeSUTUnknown, "Unknown SUT", http.StatusNotFound).
		WithDetails("unique_id", uniqueID)
}

func SUTOffline(uniqueID string) *ServiceError {
	return New(ErrCodeSUTOffline, "SUT has no live control channel", http.StatusConflict).
		WithDetails("unique_id", uniqueID)
}

func SUTNotPaired(uniqueID string) *ServiceError {
	return New(ErrCodeSUTNotPaired, "SUT is not paired", http.StatusConflict).
		WithDetails("unique_id", uniqueID)
}

func SUTAlreadyPaired(uniqueID string) *ServiceError {
	return New(ErrCodeSUTAlreadyPaired, "SUT is already paired", http.StatusConflict).
		WithDetails("unique_id", uniqueID)
}

// Account scheduler errors

func AccountHeldByOther(account, holder string) *ServiceError {
	return New(ErrCodeAccountHeld, "Account is held by another SUT", http.StatusConflict).
		WithDetails("account", account).
		WithDetails("held_by", holder)
}

func AccountNotHeld(account, uniqueID string) *ServiceError {
	return New(ErrCodeAccountNotHeld, "SUT does not hold this account", http.StatusConflict).
		WithDetails("account", account).
		WithDetails("unique_id", uniqueID)
}

func AccountUnknown(account string) *ServiceError {
	return New(ErrCodeAccountUnknown, "Unknown account", http.StatusNotFound).
		WithDetails("account", account)
}

// Run / executor errors

func RunNotFound(runID string) *ServiceError {
	return New(ErrCodeRunNotFound, "Run not found", http.StatusNotFound).
		WithDetails("run_id", runID)
}

func RunAlreadyFinal(runID, status string) *ServiceError {
	return New(ErrCodeRunAlreadyFinal, "Run has already reached a terminal status", http.StatusConflict).
		WithDetails("run_id", runID).
		WithDetails("status", status)
}

func StepFailed(step string, err error) *ServiceError {
	return Wrap(ErrCodeStepFailed, "Run step failed", http.StatusBadGateway, err).
		WithDetails("step", step)
}

// Vision queue errors

func QueueFull(endpoint string, depth int) *ServiceError {
	return New(ErrCodeQueueFull, "Request queue is full", http.StatusServiceUnavailable).
		WithDetails("endpoint", endpoint).
		WithDetails("depth", depth)
}

func UpstreamUnreachable(endpoint string, err error) *ServiceError {
	return Wrap(ErrCodeUpstreamUnreachable, "Upstream analyzer unreachable", http.StatusBadGateway, err).
		WithDetails("endpoint", endpoint)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
