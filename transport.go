package tio

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/pior/tio/internal/coarsetime"
	"github.com/pior/tio/wire"
)

// transport owns the socket and the receive buffer.
type transport struct {
	conn     net.Conn
	reader   *wire.Reader
	lastUsed time.Time
}

func newTransport(conn net.Conn, readBufferSize int) *transport {
	return &transport{
		conn:     conn,
		reader:   wire.NewReader(conn, readBufferSize),
		lastUsed: coarsetime.Now(),
	}
}

// setDeadline applies the context deadline to the socket, or clears it.
func (t *transport) setDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	} else {
		_ = t.conn.SetDeadline(time.Time{})
	}
}

// send writes the whole command. net.Conn.Write only returns short on error,
// which wire.WriteCommand reports as a ConnectionError.
func (t *transport) send(ctx context.Context, cmd *wire.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.setDeadline(ctx)

	if err := wire.WriteCommand(t.conn, cmd); err != nil {
		return err
	}
	t.lastUsed = coarsetime.Now()
	return nil
}

func (t *transport) readFrame(ctx context.Context) (*wire.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.setDeadline(ctx)

	frame, err := wire.ReadFrame(t.reader)
	if err != nil {
		return nil, err
	}
	t.lastUsed = coarsetime.Now()
	return frame, nil
}

// waitReadable waits up to timeout for the next frame to start arriving.
// It reports false on timeout; nothing is consumed in that case.
func (t *transport) waitReadable(timeout time.Duration) (bool, error) {
	if t.reader.Buffered() > 0 {
		return true, nil
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	defer t.conn.SetReadDeadline(time.Time{})

	err := t.reader.WaitReadable()
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, err
}

func (t *transport) close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
