// Package errkind defines the typed error kinds surfaced by crewmux
// operations. Kinds travel with errors through fmt.Errorf("%w") wrapping so
// callers can classify failures without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind string

const (
	NotFound        Kind = "not_found"
	InvalidArgument Kind = "invalid_argument"
	Busy            Kind = "busy"
	Unauthorized    Kind = "unauthorized"
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	Timeout         Kind = "timeout"
	Canceled        Kind = "canceled"
	Transport       Kind = "transport"
	RemoteError     Kind = "remote_error"
	ParseError      Kind = "parse_error"
	NotReady        Kind = "not_ready"
)

// Error pairs a kind with a human-readable message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. The original error remains
// reachable through errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Of extracts the kind from err, or "" when err carries no kind.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
