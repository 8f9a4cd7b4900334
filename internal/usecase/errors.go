package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorForbidden    ErrorCode = "FORBIDDEN"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorStore        ErrorCode = "STORE_ERROR"
	ErrorStrategy     ErrorCode = "STRATEGY_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// notFound is shared by every lookup so that absence, a wrong partition and a
// tombstone all look the same to the caller.
func notFound() *Error {
	return newError(ErrorNotFound, "conversation_not_found", nil)
}
