package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error for propagation and presentation.
type Kind string

const (
	KindAuth               Kind = "auth"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
)

// Error is the typed error surfaced by the core layers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Auth reports a login, signup or identity failure.
func Auth(code, message string) error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// Validation reports a missing or malformed input.
func Validation(code, message string) error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound reports a referenced ticket or user that does not exist.
func NotFound(code, message string) error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Unavailable wraps a transient backend failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindBackendUnavailable {
		return err
	}
	return &Error{Kind: KindBackendUnavailable, Code: "backend_unavailable", Message: "backend unavailable", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
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

// CodeOf returns the stable code of err, or "internal" for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal"
}
