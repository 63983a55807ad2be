// Package errkind provides the error taxonomy for a provisioning run. Every
// fallible step returns an *Error tagged with a Kind so that callers can decide
// between falling back, aborting, or ignoring a failure without having to
// inspect error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind names a class of failure
type Kind int

const (
	Unknown Kind = iota
	// Config means the input was missing or malformed. No network activity
	// has happened yet.
	Config
	// ReadinessTimeout means the target never became healthy within the
	// attempt budget
	ReadinessTimeout
	// SessionAcquisition means the HTTP/session path could not create a key.
	// This triggers the browser fallback and is never a run failure on its own
	SessionAcquisition
	// BrowserAcquisition means the browser path failed. There is no further
	// fallback
	BrowserAcquisition
	// ValidationFailure means the target explicitly rejected the new key
	ValidationFailure
	// Persistence means the record store could not store the key
	Persistence
	// Notification means the webhook could not be delivered. Logged only
	Notification
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case ReadinessTimeout:
		return "ReadinessTimeout"
	case SessionAcquisition:
		return "SessionAcquisitionError"
	case BrowserAcquisition:
		return "BrowserAcquisitionError"
	case ValidationFailure:
		return "ValidationFailure"
	case Persistence:
		return "PersistenceError"
	case Notification:
		return "NotificationError"
	default:
		return "UnknownError"
	}
}

// Fatal reports whether an error of this kind ends the run
func (k Kind) Fatal() bool {
	switch k {
	case SessionAcquisition, Notification:
		return false
	default:
		return true
	}
}

// ExitCode is the process exit status used when a run ends with this kind
func (k Kind) ExitCode() int {
	switch k {
	case Config:
		return 2
	case ReadinessTimeout:
		return 3
	case SessionAcquisition, BrowserAcquisition:
		return 4
	case ValidationFailure:
		return 5
	case Persistence:
		return 6
	default:
		return 1
	}
}

// Error is a failure tagged with its Kind and the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %v: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. op describes what was being attempted.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// Errorf is New with a formatted cause
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Unknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is returns true if err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps a run error to a process exit status. nil is success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
