// ABOUTME: Coded application errors shared by the orchestrator and the HTTP boundary
// ABOUTME: Each code maps to one HTTP status and one client-safe message

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for the outer boundary.
type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeGeneration       Code = "GENERATION_FAILED"
	CodeStorage          Code = "STORAGE_FAILED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// AppError is an error with a code, a client-safe message and an optional cause.
// The cause is logged server-side and never rendered to clients.
type AppError struct {
	Code    Code
	Message string
	Stage   string // pipeline stage that failed, empty outside the orchestrator
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError without a cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around cause.
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// AtStage returns a copy of e tagged with the pipeline stage.
func (e *AppError) AtStage(stage string) *AppError {
	cp := *e
	cp.Stage = stage
	return &cp
}

func Unauthenticated(cause error) *AppError {
	return Wrap(CodeUnauthenticated, "not authenticated", cause)
}

func Forbidden(msg string) *AppError {
	return New(CodePermissionDenied, msg)
}

func InvalidArg(msg string) *AppError {
	return New(CodeInvalidArgument, msg)
}

func Internal(cause error) *AppError {
	return Wrap(CodeInternal, "internal server error", cause)
}

// From extracts the AppError in err's chain. Errors without one are reported
// as CodeInternal so nothing crosses the boundary unmapped.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// CodeOf returns the code of err, CodeInternal when err carries none.
func CodeOf(err error) Code {
	return From(err).Code
}

// HTTPStatus maps a code to the status the gateway responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeGeneration:
		return http.StatusBadGateway
	case CodeStorage, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
