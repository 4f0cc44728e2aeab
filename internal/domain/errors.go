package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors for the boundary adapter.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	KindAccountNotFound  ErrorKind = "AccountNotFound"
	KindDuplicateRequest ErrorKind = "DuplicateRequest"
	KindTransient        ErrorKind = "Transient"
)

// Error is a typed transfer error. Two Errors match under errors.Is when
// their kinds are equal, so the sentinels below work as match targets.
type Error struct {
	Kind    ErrorKind
	Message string
	// Transfer is the existing record, when one is relevant (duplicates,
	// transient failures on a pending row).
	Transfer *Transfer
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrAccountNotFound  = &Error{Kind: KindAccountNotFound}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrTransient        = &Error{Kind: KindTransient}
)

func InvalidRequest(message string) error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// KindOf returns the kind carried by err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
