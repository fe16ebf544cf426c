package transport

import (
	"errors"
	"time"
)

// Transport errors
var (
	ErrClosed         = errors.New("transport is closed")
	ErrNotConnected   = errors.New("transport is not connected")
	ErrRequestTimeout = errors.New("request timed out")
	ErrRequestFailed  = errors.New("request was not acknowledged")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum patch size")
	ErrInvalidFrame   = errors.New("invalid frame")
)

// ErrorCode classifies transport failures for retry decisions.
type ErrorCode int

const (
	ErrorCodeClosed ErrorCode = iota + 1
	ErrorCodeNotConnected
	ErrorCodeTimeout
	ErrorCodeRejected
	ErrorCodeInvalidFrame
)

// Error is a transport failure with enough context to decide whether the
// operation should be retried.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsTemporary reports whether the failure is recoverable and the request can
// be retried on a later pass.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeNotConnected, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError builds a coded transport error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now().Unix(),
	}
}

// IsTemporary reports whether err is a transport error worth retrying.
func IsTemporary(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.IsTemporary()
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRequestTimeout)
}
