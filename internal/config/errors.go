package config

import (
	"errors"
	"fmt"

	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

// Error reports a configuration value that cannot be used. Components return
// it for settings they refuse at startup.
type Error struct {
	Key     string
	Value   string
	Message string
}

func (e *Error) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Message)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

func (e *Error) Unwrap() error { return pkgerrors.ErrInvalidInput }

// Errorf builds an *Error for key.
func Errorf(key, value, format string, args ...any) *Error {
	return &Error{Key: key, Value: value, Message: fmt.Sprintf(format, args...)}
}

// IsError reports whether err is or wraps an *Error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
