package core

import "fmt"

type ErrorCode string

const (
	ErrBadRequest      ErrorCode = "CRUCIBLE_BAD_REQUEST"
	ErrNotFound        ErrorCode = "CRUCIBLE_NOT_FOUND"
	ErrRetryNotAllowed ErrorCode = "CRUCIBLE_RETRY_NOT_ALLOWED"
	ErrConflict        ErrorCode = "CRUCIBLE_CONFLICT"
	ErrInternal        ErrorCode = "CRUCIBLE_INTERNAL"
	ErrSandboxError    ErrorCode = "CRUCIBLE_SANDBOX_ERROR"
	ErrSandboxTimeout  ErrorCode = "CRUCIBLE_SANDBOX_TIMEOUT"
)

// HTTPStatus returns the HTTP status code for this error code.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrBadRequest:
		return 400
	case ErrNotFound:
		return 404
	case ErrRetryNotAllowed, ErrConflict:
		return 409
	case ErrSandboxError:
		return 502
	case ErrSandboxTimeout:
		return 504
	default:
		return 500
	}
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}
