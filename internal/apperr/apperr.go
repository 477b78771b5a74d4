// Package apperr defines the error taxonomy shared by the messaging and
// alerting services.
package apperr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

const (
	KindUnknown        Kind = ""
	InvalidArgument    Kind = "invalid_argument"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	UploadFailed       Kind = "upload_failed"
	BackendUnavailable Kind = "backend_unavailable"
	Timeout            Kind = "timeout"
)

// Error is a classified error. Op names the failing operation, e.g.
// "conversation.GetOrCreate".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or any error in its chain) has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromStore classifies an error returned by the storage layer. Errors that
// are already classified pass through unchanged.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return E(NotFound, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return E(Timeout, op, err)
	default:
		return E(BackendUnavailable, op, err)
	}
}

// FromContext converts a context error into Timeout, or returns err unchanged.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return E(Timeout, op, err)
	}
	return err
}
