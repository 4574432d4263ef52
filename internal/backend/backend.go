// Package backend defines the narrow content-addressed storage contract the
// filters, transfer agent and reconciler are written against, plus the
// registry and instrumentation wrapper around concrete implementations.
package backend

import (
	"context"
	"io"
)

// Stored describes the outcome of a successful Store.
type Stored struct {
	BlobID string
	// Epoch is the end epoch the blob is now paid through.
	Epoch uint64
	Size  int64
	// AlreadyCertified is true when the network already held this content.
	AlreadyCertified bool
}

// Status is a point-in-time view of one blob. It is never cached.
type Status struct {
	BlobID       string
	CurrentEpoch uint64
	ExpiryEpoch  uint64
	Exists       bool
}

// Remaining returns the number of epochs left before expiry, or 0 once expired.
func (s Status) Remaining() uint64 {
	if s.ExpiryEpoch <= s.CurrentEpoch {
		return 0
	}
	return s.ExpiryEpoch - s.CurrentEpoch
}

// Backend is a content-addressed blob store with epoch-based retention.
// All implementations must be safe for concurrent use.
type Backend interface {
	// Store uploads the content of r and keeps it for at least epochs epochs.
	Store(ctx context.Context, r io.Reader, epochs uint64) (Stored, error)
	// Fetch returns the full content of a blob.
	Fetch(ctx context.Context, blobID string) ([]byte, error)
	// Status reports the current epoch and the blob's expiry.
	Status(ctx context.Context, blobID string) (Status, error)
	// Extend adds epochs to a blob's retention and returns the new expiry.
	Extend(ctx context.Context, blobID string, epochs uint64) (uint64, error)
	Close() error
}

// Direction is a transfer direction.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Directional is implemented by backends that can only serve some directions,
// such as a read-only walrus configuration without a wallet.
type Directional interface {
	Supports(Direction) bool
}

// Supports reports whether b can serve d. Backends that do not implement
// Directional serve both directions.
func Supports(b Backend, d Direction) bool {
	if dir, ok := b.(Directional); ok {
		return dir.Supports(d)
	}
	return true
}
