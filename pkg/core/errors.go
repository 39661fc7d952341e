// Package core holds the shared error taxonomy and the context struct that
// wires the orchestration subsystems together. Subsystems are constructed
// explicitly and passed around — there is no package-level singleton state.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers (and for the HTTP layer's
// status-code mapping, which lives outside this module).
type ErrorKind string

// Error kinds.
const (
	KindNotFound      ErrorKind = "not_found"
	KindInvalidState  ErrorKind = "invalid_state"
	KindNotAuthorized ErrorKind = "not_authorized"
	KindCapacity      ErrorKind = "capacity"
	KindTimeout       ErrorKind = "timeout"
	KindConflict      ErrorKind = "conflict"
	KindExternal      ErrorKind = "external"
	KindBadInput      ErrorKind = "bad_input"
)

// Error is the structured error record returned by the core.
// Detail is optional free-form context (e.g. provider-returned detail for
// KindExternal). Err, when set, is the wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a core error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapExternal wraps a failure from an external collaborator (store, skill
// dispatcher, provider) preserving its detail.
func WrapExternal(msg string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Kind: KindExternal, Message: msg, Detail: detail, Err: err}
}

// KindOf returns the kind of a core error, or "" for non-core errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a core error of the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// Kind predicates used throughout the module.
func IsNotFound(err error) bool      { return IsKind(err, KindNotFound) }
func IsInvalidState(err error) bool  { return IsKind(err, KindInvalidState) }
func IsNotAuthorized(err error) bool { return IsKind(err, KindNotAuthorized) }
func IsCapacity(err error) bool      { return IsKind(err, KindCapacity) }
func IsTimeout(err error) bool       { return IsKind(err, KindTimeout) }
func IsConflict(err error) bool      { return IsKind(err, KindConflict) }
func IsBadInput(err error) bool      { return IsKind(err, KindBadInput) }
