package recorder

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure.
type Kind int

const (
	// KindValidation: the request itself is unusable. No state changed.
	KindValidation Kind = iota + 1
	// KindState: the request conflicts with the session's lifecycle.
	KindState
	// KindIO: a directory, file, write, flush or close operation failed.
	KindIO
	// KindConfig: the configured root directory cannot be created.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindIO:
		return "io"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against *Error values.
var (
	ErrValidation = errors.New("validation error")
	ErrState      = errors.New("state error")
	ErrIO         = errors.New("io error")
	ErrConfig     = errors.New("config error")
)

// ErrAlreadyStopped is returned for Data arriving after the session's Stop.
var ErrAlreadyStopped = errors.New("already stopped")

// Error is the error type returned by Registry operations.
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s session %s: %s: %v", e.Op, e.SessionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can write errors.Is(err, ErrState).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrState:
		return e.Kind == KindState
	case ErrIO:
		return e.Kind == KindIO
	case ErrConfig:
		return e.Kind == KindConfig
	}
	return false
}

func newError(kind Kind, op, sessionID string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not a registry error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
