package backend

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Kind classifies a backend failure.
type Kind int

const (
	// Failure is any error not covered by a more specific kind.
	Failure Kind = iota
	NotFound
	NetworkFailure
	CorruptResponse
	Timeout
)

// String returns a snake_case label suitable for logs and metric labels.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NetworkFailure:
		return "network_failure"
	case CorruptResponse:
		return "corrupt_response"
	case Timeout:
		return "timeout"
	default:
		return "failure"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case NotFound:
		return pkgerrors.ErrNotFound
	case NetworkFailure:
		return pkgerrors.ErrNetwork
	case CorruptResponse:
		return pkgerrors.ErrCorrupt
	case Timeout:
		return pkgerrors.ErrTimeout
	default:
		return nil
	}
}

// Error is returned by every backend operation that fails.
type Error struct {
	Op     string // store, fetch, status, extend
	BlobID string // empty for store
	Kind   Kind
	// Diagnostic is raw text from the backend (CLI stderr, HTTP body) for operators.
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := "backend " + e.Op
	if e.BlobID != "" {
		msg += " " + e.BlobID
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += " (" + e.Diagnostic + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the shared sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// NewError builds an *Error.
func NewError(op, blobID string, kind Kind, err error) *Error {
	return &Error{Op: op, BlobID: blobID, Kind: kind, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(op, blobID string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, BlobID: blobID, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Errors that are not *Error are classified
// from the shared sentinels and context errors, defaulting to Failure.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return NotFound
	case errors.Is(err, pkgerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, pkgerrors.ErrNetwork):
		return NetworkFailure
	case errors.Is(err, pkgerrors.ErrCorrupt):
		return CorruptResponse
	default:
		return Failure
	}
}

// IsNotFound reports whether err means the blob does not exist or has expired.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == NotFound
}

// Retryable reports whether a failed call may succeed if repeated.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	k := KindOf(err)
	return k == NetworkFailure || k == Timeout
}

// wrap converts any error into an *Error for op, keeping an existing kind.
func wrap(op, blobID string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Op == "" || (be.BlobID == "" && blobID != "") {
			cp := *be
			if cp.Op == "" {
				cp.Op = op
			}
			if cp.BlobID == "" {
				cp.BlobID = blobID
			}
			return &cp
		}
		return err
	}
	return &Error{Op: op, BlobID: blobID, Kind: KindOf(err), Err: err}
}
