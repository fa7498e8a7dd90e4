package tio

import (
	"errors"

	"github.com/pior/tio/wire"
)

var (
	// ErrConnectionClosed is wrapped by every error reported after the
	// connection was closed or broken, including the errors handed to
	// waiters that were still registered at teardown.
	ErrConnectionClosed = errors.New("tio: connection closed")

	// ErrContainerClosed is handed to waiters of a container closed with Container.Close.
	ErrContainerClosed = errors.New("tio: container closed")

	ErrPoolClosed = errors.New("tio: pool closed")
	ErrNoServers  = errors.New("tio: no servers available")
)

// UsageError reports a call the connection refused to perform.
// Nothing was sent and the connection is unaffected.
type UsageError struct {
	Op      string
	Message string
}

func (e *UsageError) Error() string {
	return "tio: " + e.Op + ": " + e.Message
}

// ShouldCloseConnection returns false - usage errors are caught before sending
func (e *UsageError) ShouldCloseConnection() bool {
	return false
}

var _ wire.ErrorWithConnectionState = (*UsageError)(nil)
