package dispatcher

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
)

// ErrorKind classifies protocol failures.
type ErrorKind string

const (
	KindSessionNotInitialized ErrorKind = "SessionNotInitialized"
	KindInvalidMessageFormat  ErrorKind = "InvalidMessageFormat"
	KindUnknownMethod         ErrorKind = "UnknownMethod"
	KindCapabilityUnavailable ErrorKind = "CapabilityUnavailable"
	KindDownstreamFailure     ErrorKind = "DownstreamFailure"
)

// Sentinels for errors.Is comparisons against a kind.
var (
	ErrSessionNotInitialized = &Error{Kind: KindSessionNotInitialized}
	ErrInvalidMessageFormat  = &Error{Kind: KindInvalidMessageFormat}
	ErrUnknownMethod         = &Error{Kind: KindUnknownMethod}
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable}
	ErrDownstreamFailure     = &Error{Kind: KindDownstreamFailure}
)

// Error is a protocol failure returned to the originating request.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error
}

func (e *Error) Error() string {
	msg := e.message()
	if e.Method != "" {
		msg = fmt.Sprintf("%s: %s", e.Method, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) message() string {
	switch e.Kind {
	case KindSessionNotInitialized:
		return "session not initialized"
	case KindInvalidMessageFormat:
		return "invalid message format"
	case KindUnknownMethod:
		return "unknown method"
	case KindCapabilityUnavailable:
		return "capability unavailable"
	case KindDownstreamFailure:
		return "downstream failure"
	default:
		return string(e.Kind)
	}
}

// Code maps the kind onto a JSON-RPC error code.
func (e *Error) Code() jsonrpc.ErrorCode {
	switch e.Kind {
	case KindSessionNotInitialized:
		return jsonrpc.ErrorCodeSessionNotInitialized
	case KindInvalidMessageFormat:
		return jsonrpc.ErrorCodeInvalidParams
	case KindUnknownMethod:
		return jsonrpc.ErrorCodeMethodNotFound
	case KindCapabilityUnavailable:
		return jsonrpc.ErrorCodeCapabilityUnavailable
	case KindDownstreamFailure:
		return jsonrpc.ErrorCodeDownstreamFailure
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// KindOf extracts the ErrorKind of err, or the empty kind.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func newError(kind ErrorKind, method string, err error) *Error {
	return &Error{Kind: kind, Method: method, Err: err}
}

func errorf(kind ErrorKind, method string, format string, args ...any) *Error {
	return &Error{Kind: kind, Method: method, Err: fmt.Errorf(format, args...)}
}
