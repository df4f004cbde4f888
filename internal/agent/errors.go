package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches failures reaching the model endpoint.
	ErrTransport = errors.New("transport error")
	// ErrProtocol matches replies that are malformed, empty or incomplete.
	ErrProtocol = errors.New("protocol error")
)

// TransportError wraps connection, timeout and body-read failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError carries the diagnostic for an unusable reply.
type ProtocolError struct {
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(status int, format string, args ...any) *ProtocolError {
	return &ProtocolError{StatusCode: status, Message: fmt.Sprintf(format, args...)}
}
