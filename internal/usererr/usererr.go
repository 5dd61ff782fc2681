// Package usererr marks errors caused by the operator rather than by a bug
// or an external tool. The CLI prints them as a single line without a dump.
package usererr

import (
	"errors"
	"fmt"
)

// Error is a user-actionable failure.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a user error with a formatted message.
func New(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a user error carrying err as its cause.
func Wrap(err error, format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err or anything it wraps is a user error.
func Is(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}
