package transfer

import (
	"errors"
	"fmt"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// ProtocolError is a violation of the transfer protocol by the host. It ends
// the session.
type ProtocolError struct {
	Line   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("transfer protocol: line %d: %s", e.Line, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// badRequest marks a request the host should not have sent.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

// errorBody maps a per-request failure to its reply.
func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Message: err.Error()}
	var br *badRequest
	switch {
	case errors.As(err, &br), pointer.IsParseError(err):
		body.Code = CodeBadRequest
		return body
	case filter.IsIntegrityError(err):
		body.Code = CodeIntegrity
		return body
	}

	kind := backend.KindOf(err)
	body.Kind = kind.String()
	switch kind {
	case backend.NotFound:
		body.Code = CodeNotFound
	case backend.NetworkFailure:
		body.Code = CodeNetwork
	case backend.CorruptResponse:
		body.Code = CodeCorrupt
	case backend.Timeout:
		body.Code = CodeTimeout
	default:
		body.Code = CodeFailure
	}
	return body
}
