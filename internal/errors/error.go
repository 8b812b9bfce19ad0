package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the tagged failure returned by engine operations. Every public
// method returns either a value or an *Error; raw errors never cross a
// component boundary.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Err       error
}

// New creates an Error whose retryability follows the code's default.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.IsRetryable()}
}

// Wrap creates an Error that keeps the underlying cause for errors.Is/As.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Retryable: code.IsRetryable(), Err: err}
}

// WithRetryable returns a copy with the retryable flag overridden.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the code from err, or UNKNOWN_ERROR when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknownError
}

// As converts any error into an *Error. Untagged errors become UNKNOWN_ERROR.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(ErrCodeUnknownError, "unexpected failure", err)
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}
