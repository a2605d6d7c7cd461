package zbus

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a connection after Close, and
	// wrapped into the error completing any call that was still in flight
	// when the socket went away.
	ErrClosed = errors.New("zbus: connection closed")

	// ErrBrokenPipe completes a pending method call whose reply can no
	// longer arrive because the message stream ended.
	ErrBrokenPipe = errors.New("zbus: broken pipe: socket closed")

	// ErrUnsupported is returned when a message carrying file descriptors
	// is sent over a connection that did not negotiate fd passing.
	ErrUnsupported = errors.New("zbus: fd passing not negotiated on this connection")

	// ErrStreamClosed is the end-of-stream marker of MessageStream,
	// SignalStream and their derivatives.
	ErrStreamClosed = errors.New("zbus: stream closed")

	// ErrNoAddress is returned when no bus address can be determined from
	// the environment.
	ErrNoAddress = errors.New("zbus: no bus address")

	// ErrInterfaceNotFound is returned by higher-level lookups for an
	// interface the remote object does not implement.
	ErrInterfaceNotFound = errors.New("zbus: interface not found")

	// ErrNoReply is returned when a call completed without a reply message.
	ErrNoReply = errors.New("zbus: no reply")
)

// ProtocolError reports a malformed or unexpected message. It is per-message
// and recoverable: the receive loop reports it and keeps reading.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "zbus: protocol error: " + e.Reason
}

func protocolErr(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// MethodError is a D-Bus error message received in reply to a method call.
type MethodError struct {
	// Name is the error name, e.g. "org.freedesktop.DBus.Error.UnknownMethod".
	Name string
	// Body holds the arguments of the error message; by convention the
	// first one is a human-readable description.
	Body []interface{}
}

func (e *MethodError) Error() string {
	if len(e.Body) > 0 {
		if text, ok := e.Body[0].(string); ok {
			return e.Name + ": " + text
		}
	}
	return e.Name
}

// Text returns the conventional description argument, if present.
func (e *MethodError) Text() string {
	if len(e.Body) > 0 {
		if text, ok := e.Body[0].(string); ok {
			return text
		}
	}
	return ""
}

// NameError reports a bus, interface, member or path name that violates the
// D-Bus syntax rules.
type NameError struct {
	Kind  string // "bus name", "interface name", "member name", "object path", "error name"
	Value string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("zbus: invalid %s %q", e.Kind, e.Value)
}
