package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"    // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"          // 404
	ErrMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED" // 405
	ErrDocumentTooLarge ErrorCode = "DOCUMENT_TOO_LARGE" // 413
	ErrInternal         ErrorCode = "INTERNAL"           // 500
)

// APIError is a structured error with code, HTTP status and details.
type APIError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *APIError {
	return &APIError{
		Code:    ErrInvalidRequest,
		Status:  http.StatusBadRequest,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing document.
func NewNotFound(fileID string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("document not found: %s", fileID),
		Details: map[string]any{"file_id": fileID},
	}
}

func NewMethodNotAllowed(method string) *APIError {
	return &APIError{
		Code:    ErrMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method not allowed: %s", method),
	}
}

// NewDocumentTooLarge creates a 413 error when content exceeds the size limit.
func NewDocumentTooLarge(max, actual int) *APIError {
	return &APIError{
		Code:    ErrDocumentTooLarge,
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("document exceeds maximum size: %d bytes (max %d)", actual, max),
		Details: map[string]any{"max_bytes": max, "actual_bytes": actual},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *APIError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &APIError{
		Code:    ErrInternal,
		Status:  http.StatusInternalServerError,
		Message: msg,
	}
}

// As returns the APIError in err's chain, or a 500 wrapping err.
func As(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternal(err)
}

// Is checks if an error is an APIError with the given code.
func Is(err error, code ErrorCode) bool {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
