// Package vterr defines the error taxonomy shared by every component of
// the session engine. The HTTP layer maps a Kind to a status code with a
// single table lookup instead of scattering status codes across call
// sites.
package vterr

import (
	"errors"
	"fmt"
)

// Kind is one of the language-neutral error kinds from the specification.
type Kind string

const (
	// Client-input errors.
	NoSuchSession Kind = "no_such_session"
	InvalidArgs   Kind = "invalid_args"
	PathTooLong   Kind = "path_too_long"
	NotRunning    Kind = "not_running"
	AlreadyExited Kind = "already_exited"
	StillRunning  Kind = "still_running"

	// Resource errors.
	SpawnFailed     Kind = "spawn_failed"
	IoError         Kind = "io_error"
	DiskFull        Kind = "disk_full"
	TooManyOpenFiles Kind = "too_many_open_files"

	// Protocol errors.
	FrameTooLarge   Kind = "frame_too_large"
	BadFrame        Kind = "bad_frame"
	Unauthenticated Kind = "unauthenticated"

	// Federation errors.
	PeerGone     Kind = "peer_gone"
	BadPeer      Kind = "bad_peer"
	Unauthorized Kind = "unauthorized"

	// Fatal errors.
	ConfigError           Kind = "config_error"
	ControlDirUnavailable Kind = "control_dir_unavailable"
)

// Error is a Kind wrapping an underlying cause. Two Errors are Is-equal
// when their Kind matches, regardless of the wrapped message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, vterr.Sentinel(vterr.NotRunning)) (see
// KindOf/Wrap below).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// Sentinel returns a comparable sentinel value for Kind k, usable with
// errors.Is(err, vterr.Sentinel(vterr.NotRunning)).
func Sentinel(k Kind) error { return &Error{Kind: k} }

// KindOf extracts the Kind from err, defaulting to "" if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
