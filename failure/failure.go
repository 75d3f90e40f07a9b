// Package failure classifies the errors a hardware test run can end with.
package failure

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind ...
type Kind string

// Error kinds.
const (
	ConnectionError   Kind = "ConnectionError"
	FlashError        Kind = "FlashError"
	RegistrationError Kind = "RegistrationError"
	ScanTimeout       Kind = "ScanTimeout"
	LocationError     Kind = "LocationError"
	ParseError        Kind = "ParseError"
	WriteError        Kind = "WriteError"
	ConfigError       Kind = "ConfigError"
	Interrupted       Kind = "Interrupted"
	Timeout           Kind = "Timeout"
)

// Error is an error annotated with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: pkgerrors.Errorf(format, args...)}
}

// Wrap annotates err with a kind and a message. Returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: pkgerrors.Wrap(err, message)}
}

// Wrapf ...
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(kind, err, fmt.Sprintf(format, args...))
}

// KindOf returns the outermost kind found in the chain of err, or an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
