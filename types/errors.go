package types

import (
	"context"
	"errors"
)

// ErrorKind is the stable machine-readable error class.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindInvalidState       ErrorKind = "invalid_state"
	KindNotFound           ErrorKind = "not_found"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindBackendItem        ErrorKind = "backend_item_error"
	KindTimeout            ErrorKind = "timeout"
)

var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInvalidState       = &Error{Kind: KindInvalidState, Message: "invalid task state"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "task not found"}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable, Message: "backend unavailable"}
	ErrBackendItem        = &Error{Kind: KindBackendItem, Message: "backend item error"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "backend call timed out"}
)

// Error carries a kind from the taxonomy. Two Errors match under errors.Is
// when their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies err. Deadline expiry maps to timeout; anything without
// an explicit kind is treated as the backend being unavailable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindBackendUnavailable
}

// ErrorInfo is the error as recorded on a task.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// InfoOf converts an error into its recorded form.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
}
