package protocol

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/projgraph/syncd/internal/graph"
)

// ErrorKind is the client-visible class of a failure.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindAlreadyExists     ErrorKind = "AlreadyExists"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindIoFailure         ErrorKind = "IoFailure"
	KindInconsistentState ErrorKind = "InconsistentState"
	KindTransportFailure  ErrorKind = "TransportFailure"
)

// IO error kinds reported with KindIoFailure.
const (
	IOPermissionDenied = "permission_denied"
	IONotFound         = "not_found"
	IOExists           = "exists"
	IOOther            = "other"
)

// ErrTransport marks malformed or undecodable messages.
var ErrTransport = errors.New("transport failure")

// Error is a structured failure carried in a reply.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	IOKind  string            `json:"io_kind,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.IOKind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.IOKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// With returns e with a context entry added.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Is lets errors.Is match a reply error against the graph sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case graph.ErrNotFound:
		return e.Kind == KindNotFound
	case graph.ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case graph.ErrInvalidTransition:
		return e.Kind == KindInvalidTransition
	case graph.ErrInconsistentState:
		return e.Kind == KindInconsistentState
	case ErrTransport:
		return e.Kind == KindTransportFailure
	}
	return false
}

// FromError classifies err. Domain errors win over I/O errors; anything
// unrecognized is reported as an I/O failure of kind "other".
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	e := &Error{Message: err.Error()}
	switch {
	case errors.Is(err, ErrTransport):
		e.Kind = KindTransportFailure
	case errors.Is(err, graph.ErrNotFound):
		e.Kind = KindNotFound
	case errors.Is(err, graph.ErrAlreadyExists):
		e.Kind = KindAlreadyExists
	case errors.Is(err, graph.ErrInvalidTransition):
		e.Kind = KindInvalidTransition
	case errors.Is(err, graph.ErrInconsistentState):
		e.Kind = KindInconsistentState
	default:
		e.Kind = KindIoFailure
		e.IOKind = ioKind(err)
	}
	return e
}

func ioKind(err error) string {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return IOPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return IONotFound
	case errors.Is(err, fs.ErrExist):
		return IOExists
	default:
		return IOOther
	}
}

// Transportf returns a TransportFailure error.
func Transportf(format string, args ...any) *Error {
	return &Error{Kind: KindTransportFailure, Message: fmt.Sprintf(format, args...)}
}
