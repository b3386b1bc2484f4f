package common

import "errors"

// Error codes shared by the HTTP layer.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_FAILED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeNotFound           = "NOT_FOUND"
	CodeGatewayRejected    = "GATEWAY_REJECTED"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL"
)

// AppError carries a client-facing code, message and HTTP status for an error.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error chain contains an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
