// Package errors provides shared sentinel errors used throughout git-lfs-walrus.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested blob, pointer, or index entry does not exist.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = stderrors.New("timeout")

	// ErrNetwork indicates the storage network could not be reached.
	ErrNetwork = stderrors.New("network failure")

	// ErrCorrupt indicates a response or payload could not be decoded.
	ErrCorrupt = stderrors.New("corrupt response")

	// ErrIntegrity indicates content does not match its recorded digest or size.
	ErrIntegrity = stderrors.New("integrity mismatch")
)
