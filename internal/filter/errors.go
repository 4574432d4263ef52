package filter

import (
	"errors"
	"fmt"

	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// IntegrityError reports content that does not match its pointer.
type IntegrityError struct {
	OID    string
	BlobID string
	// Field is "size" or "oid".
	Field string
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity check failed for %s: %s mismatch: want %s, got %s", e.OID, e.Field, e.Want, e.Got)
	if e.BlobID != "" {
		msg += " (blob " + e.BlobID + ")"
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return pkgerrors.ErrIntegrity }

// IsIntegrityError reports whether err is or wraps an *IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
