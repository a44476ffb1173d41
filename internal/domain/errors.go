package domain

import (
	"errors"
	"net/http"
)

// Code classifies wallet session failures.
type Code string

const (
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeConnectRejected     Code = "CONNECT_REJECTED"
	CodeHandshakeFailed     Code = "HANDSHAKE_FAILED"
	CodeSessionLost         Code = "SESSION_LOST"
	CodeSignTimeout         Code = "SIGN_TIMEOUT"
	CodeCancelled           Code = "CANCELLED"
	CodeStorageCorrupt      Code = "STORAGE_CORRUPT"
	CodeNoAccounts          Code = "NO_ACCOUNTS"
	CodeNotConnected        Code = "NOT_CONNECTED"
	CodeConnectInProgress   Code = "CONNECT_IN_PROGRESS"
	CodeSignRejected        Code = "SIGN_REJECTED"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
)

// Sentinels for errors.Is. A *Error matches a sentinel with the same code.
var (
	ErrProviderUnavailable = &Error{Code: CodeProviderUnavailable}
	ErrConnectRejected     = &Error{Code: CodeConnectRejected}
	ErrHandshakeFailed     = &Error{Code: CodeHandshakeFailed}
	ErrSessionLost         = &Error{Code: CodeSessionLost}
	ErrSignTimeout         = &Error{Code: CodeSignTimeout}
	ErrCancelled           = &Error{Code: CodeCancelled}
	ErrStorageCorrupt      = &Error{Code: CodeStorageCorrupt}
	ErrNoAccounts          = &Error{Code: CodeNoAccounts}
	ErrNotConnected        = &Error{Code: CodeNotConnected}
	ErrConnectInProgress   = &Error{Code: CodeConnectInProgress}
	ErrSignRejected        = &Error{Code: CodeSignRejected}
	ErrInvalidRequest      = &Error{Code: CodeInvalidRequest}
)

// Error is a classified wallet session error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError creates an error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with a code and message that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether repeating the operation may succeed without
// user intervention.
func (c Code) Retryable() bool {
	switch c {
	case CodeProviderUnavailable, CodeHandshakeFailed, CodeSessionLost, CodeSignTimeout, CodeConnectInProgress:
		return true
	default:
		return false
	}
}

var httpStatus = map[Code]int{
	CodeProviderUnavailable: http.StatusServiceUnavailable,
	CodeConnectRejected:     http.StatusForbidden,
	CodeHandshakeFailed:     http.StatusBadGateway,
	CodeSessionLost:         http.StatusConflict,
	CodeSignTimeout:         http.StatusGatewayTimeout,
	CodeCancelled:           http.StatusConflict,
	CodeStorageCorrupt:      http.StatusInternalServerError,
	CodeNoAccounts:          http.StatusNotFound,
	CodeNotConnected:        http.StatusConflict,
	CodeConnectInProgress:   http.StatusConflict,
	CodeSignRejected:        http.StatusForbidden,
	CodeInvalidRequest:      http.StatusBadRequest,
}

// HTTPStatus maps a code to a response status.
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}
