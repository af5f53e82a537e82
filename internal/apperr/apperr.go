// Package apperr defines the error taxonomy shared by the engine and the
// transport layer. Reasons are short and safe to show to callers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	InvalidState
	Conflict
	Forbidden
	Unauthorized
	// Authentication is an AEAD integrity failure, not an identity failure.
	Authentication
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case Unauthorized:
		return "unauthorized"
	case Authentication:
		return "authentication"
	default:
		return "internal"
	}
}

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, apperr.ErrNotFound)
// holds for any NotFound error regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, reason string, err error) error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrValidation     = &Error{Kind: Validation}
	ErrNotFound       = &Error{Kind: NotFound}
	ErrInvalidState   = &Error{Kind: InvalidState}
	ErrConflict       = &Error{Kind: Conflict}
	ErrForbidden      = &Error{Kind: Forbidden}
	ErrUnauthorized   = &Error{Kind: Unauthorized}
	ErrAuthentication = &Error{Kind: Authentication}
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ReasonOf returns the caller-safe message. Internal errors never expose
// their cause.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal && e.Reason != "" {
		return e.Reason
	}
	return "internal error"
}
