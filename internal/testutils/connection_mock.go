package testutils

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ConnectionMock is a net.Conn replaying scripted server output and
// recording what the client writes. Reads past the script return io.EOF.
type ConnectionMock struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	writeErr error
	closed   bool
}

// NewConnectionMock creates a mock connection replaying responseData in order.
func NewConnectionMock(responseData ...string) *ConnectionMock {
	return &ConnectionMock{
		readBuf:  bytes.NewBufferString(strings.Join(responseData, "")),
		writeBuf: &bytes.Buffer{},
	}
}

// FailWrites makes every following Write return err.
func (m *ConnectionMock) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *ConnectionMock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2605}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns everything the client wrote so far.
func (m *ConnectionMock) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}
