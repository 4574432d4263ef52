package pointer

import (
	"errors"
	"strconv"

	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// ParseError describes why bytes are not a valid pointer.
type ParseError struct {
	Line   int    // 1-based; 0 when the problem is not tied to one line
	Field  string // key the problem concerns, if any
	Reason string
}

func (e *ParseError) Error() string {
	msg := "pointer: "
	if e.Line > 0 {
		msg += "line " + strconv.Itoa(e.Line) + ": "
	}
	if e.Field != "" {
		msg += e.Field + ": "
	}
	return msg + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *ParseError) Unwrap() error {
	return pkgerrors.ErrInvalidInput
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func withLine(err error, line int) error {
	var pe *ParseError
	if errors.As(err, &pe) && pe.Line == 0 {
		cp := *pe
		cp.Line = line
		return &cp
	}
	return err
}
