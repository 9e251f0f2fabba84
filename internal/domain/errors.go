package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ValidationError is a malformed request. It is surfaced to the caller and
// never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func Invalidf(code, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ConflictError rejects a control operation on a record in the wrong state.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func Conflictf(code, format string, args ...interface{}) error {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError refuses a run before any record is created.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("insufficient credits: required=%d available=%d", e.Required, e.Available)
}
