// Package errors defines the coded application error used across the service.
// Codes drive the HTTP status mapping, metric tags, and failure notifications;
// the message is safe to show to API clients, the cause is not.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	ErrCodeNotFound   ErrorCode = "not_found"
	ErrCodeConflict   ErrorCode = "conflict" // unique violation or stale version
	ErrCodeValidation ErrorCode = "validation"
	ErrCodeForeignKey ErrorCode = "foreign_key" // outbox row without its message
	ErrCodeInternal   ErrorCode = "internal"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeCanceled   ErrorCode = "canceled"
	// ErrCodeUpstream marks speech synthesis failures (network, auth, throttling).
	ErrCodeUpstream ErrorCode = "upstream"
	// ErrCodeOversize marks synthesized audio above the buffering ceiling.
	ErrCodeOversize ErrorCode = "oversize"
	// ErrCodeStorage marks object store put, get or presign failures.
	ErrCodeStorage ErrorCode = "storage"
	// ErrCodePublish marks status events the bus refused.
	ErrCodePublish ErrorCode = "publish"
)

// AppError carries a code, a client-safe message, an optional cause, and for
// validation failures the offending field.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another *AppError by code, so errors.Is(err, &AppError{Code: c})
// finds any error of that category in the chain.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError) //nolint:errorlint // Is receives one link of the chain
	return ok && t.Code == e.Code
}

// New builds an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches code and message to err. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError { return New(ErrCodeNotFound, message) }

func NotFoundf(format string, args ...any) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

func Conflict(message string) *AppError { return New(ErrCodeConflict, message) }

func Validation(message string) *AppError { return New(ErrCodeValidation, message) }

func Validationf(format string, args ...any) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// ValidationField reports an invalid request field; the HTTP layer echoes Field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

func Oversizef(format string, args ...any) *AppError {
	return New(ErrCodeOversize, fmt.Sprintf(format, args...))
}

// Upstream reports a speech synthesis failure. cause may be nil; the result never is.
func Upstream(cause error, message string) *AppError {
	return &AppError{Code: ErrCodeUpstream, Message: message, Cause: cause}
}

// Storage reports an object store failure. cause may be nil.
func Storage(cause error, message string) *AppError {
	return &AppError{Code: ErrCodeStorage, Message: message, Cause: cause}
}

// Publish reports an event bus failure. cause may be nil.
func Publish(cause error, message string) *AppError {
	return &AppError{Code: ErrCodePublish, Message: message, Cause: cause}
}

// Has reports whether any AppError in err's chain carries code.
func Has(err error, code ErrorCode) bool {
	return err != nil && errors.Is(err, &AppError{Code: code})
}

func IsNotFound(err error) bool   { return Has(err, ErrCodeNotFound) }
func IsConflict(err error) bool   { return Has(err, ErrCodeConflict) }
func IsValidation(err error) bool { return Has(err, ErrCodeValidation) }
func IsTimeout(err error) bool    { return Has(err, ErrCodeTimeout) }
func IsCanceled(err error) bool   { return Has(err, ErrCodeCanceled) }
func IsUpstream(err error) bool   { return Has(err, ErrCodeUpstream) }
func IsOversize(err error) bool   { return Has(err, ErrCodeOversize) }
func IsStorage(err error) bool    { return Has(err, ErrCodeStorage) }
func IsPublish(err error) bool    { return Has(err, ErrCodePublish) }

// GetCode returns the code of the outermost AppError, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field of the outermost AppError, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
