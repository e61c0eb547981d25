package errors

import "net/http"

// Safety taxonomy. Codes double as HTTP status codes.
const (
	CodeBadRequest         = http.StatusBadRequest
	CodeUnauthorized       = http.StatusUnauthorized
	CodePermissionDenied   = http.StatusForbidden
	CodeNotFound           = http.StatusNotFound
	CodeInvalidTransition  = http.StatusConflict
	CodeDailyLimitExceeded = http.StatusTooManyRequests
	CodeUnavailable        = http.StatusServiceUnavailable
)

var (
	ErrBadRequest         = &Error{Code: CodeBadRequest, Message: "bad request"}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrDailyLimitExceeded = &Error{Code: CodeDailyLimitExceeded, Message: "daily limit exceeded"}
	ErrUnavailable        = &Error{Code: CodeUnavailable, Message: "service unavailable"}
)

func BadRequest(format string, args ...interface{}) *Error {
	return WithCodef(CodeBadRequest, format, args...)
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return WithCodef(CodePermissionDenied, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return WithCodef(CodeNotFound, format, args...)
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return WithCodef(CodeInvalidTransition, format, args...)
}

func DailyLimitExceeded(format string, args ...interface{}) *Error {
	return WithCodef(CodeDailyLimitExceeded, format, args...)
}

// Unavailable wraps a storage or broadcast failure
func Unavailable(err error, message string) *Error {
	return WrapCode(err, CodeUnavailable, message)
}

// IsCode reports whether any error in the chain carries code
func IsCode(err error, code int) bool {
	return GetCode(err) == code
}

// KindOf names the taxonomy bucket of err, "internal" when it carries no code
func KindOf(err error) string {
	switch GetCode(err) {
	case CodeBadRequest:
		return "bad_request"
	case CodeUnauthorized:
		return "unauthorized"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeNotFound:
		return "not_found"
	case CodeInvalidTransition:
		return "invalid_transition"
	case CodeDailyLimitExceeded:
		return "daily_limit_exceeded"
	case CodeUnavailable:
		return "unavailable"
	}
	return "internal"
}
