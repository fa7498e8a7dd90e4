package wire

import (
	"errors"
	"fmt"
	"net"
)

// Error types for wire operations.
// Each error reports whether the connection it happened on must be closed.

// ServerError represents an "answer <code> <message>" frame.
// The server rejected a single command; the stream is still in sync.
//
// Common causes:
//   - Opening a container that does not exist
//   - Popping from an empty container
//   - Subscribing twice to the same handle
//   - Unknown command or insufficient permission
//
// Connection handling: Connection can be REUSED
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error: " + e.Code
	}
	return "server error: " + e.Code + ": " + e.Message
}

// ShouldCloseConnection returns false - the stream stays in sync
func (e *ServerError) ShouldCloseConnection() bool {
	return false
}

// ProtocolError reports a frame the client could not understand.
//
// Common causes:
//   - Unknown frame kind or answer payload
//   - Unknown type tag or field name
//   - Field count or length mismatch
//   - Event for a handle the client never opened
//
// Connection handling: Connection should be CLOSED as state is uncertain
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - the stream is out of sync
func (e *ProtocolError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps I/O failures on the underlying stream.
//
// Connection handling: Connection is already broken, CLOSE and potentially RECONNECT
type ConnectionError struct {
	Op  string // read, write, dial
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// Timeout reports whether the underlying error is a network timeout.
func (e *ConnectionError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// InvalidTokenError is returned when a command token contains whitespace or
// is empty. The command was rejected before anything was written.
//
// Connection handling: Connection is still valid
type InvalidTokenError struct {
	Token string
}

func (e *InvalidTokenError) Error() string {
	if e.Token == "" {
		return "invalid token: empty"
	}
	return fmt.Sprintf("invalid token %q: contains whitespace", e.Token)
}

// ShouldCloseConnection returns false - nothing was sent
func (e *InvalidTokenError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by all wire error types.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
//
// Returns true for ProtocolError, ConnectionError and unknown errors.
// Returns false for ServerError, InvalidTokenError and nil.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}

// IsServerError reports whether err wraps a ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
