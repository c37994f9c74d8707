package errors

import (
	"errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the vector text worker
 *
 * Geometry problems never become errors; they are carried as invalid
 * extents. Classification failures are counted per cluster. Only missing
 * classifier resources, bad payloads, and infrastructure failures end a job.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout    ErrorCode = "PROCESSING_TIMEOUT"
	ErrorResourceUnavailable  ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrorInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	ErrorClassificationFailed ErrorCode = "CLASSIFICATION_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// Network errors
	ErrorAPICallFailed ErrorCode = "API_CALL_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a queue should try the job again. Bad payloads
// and missing classifier data fail the same way every time.
func (e *ProcessingError) Retryable() bool {
	switch e.Code {
	case ErrorInvalidPayload, ErrorResourceUnavailable:
		return false
	}
	return true
}

// AsProcessingError returns the first ProcessingError in err's chain.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of the first ProcessingError in err's chain, or
// "" if there is none.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable is true for errors that are not ProcessingErrors and for
// ProcessingErrors whose code allows a retry.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewResourceUnavailableError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorResourceUnavailable,
		Message:   fmt.Sprintf("Character classifier %s is unavailable", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"classifier": engine,
		},
		Cause: cause,
	}
}

func NewInvalidPayloadError(jobID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidPayload,
		Message:   fmt.Sprintf("Invalid drawing payload: %s", reason),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewClassificationFailedError(jobID string, cluster int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorClassificationFailed,
		Message:   fmt.Sprintf("Classification failed for cluster %d", cluster),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"cluster": cluster,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store recognition results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewAPICallFailedError(jobID string, endpoint string, statusCode int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAPICallFailed,
		Message:   fmt.Sprintf("Call to %s failed", endpoint),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint":    endpoint,
			"status_code": statusCode,
		},
		Cause: cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
