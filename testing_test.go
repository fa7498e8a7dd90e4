package tio

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pior/tio/internal/tiotest"
	"github.com/pior/tio/wire"
)

var containerSeq atomic.Int64

// containerName returns a name no other test uses.
func containerName(t testing.TB) string {
	return fmt.Sprintf("test_%d", containerSeq.Add(1))
}

func testConfig(t testing.TB) Config {
	return Config{Logger: zaptest.NewLogger(t)}
}

// dial connects to srv and closes the connection when the test ends.
func dial(t testing.TB, srv *tiotest.Server) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), srv.Addr(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func create(t testing.TB, conn *Conn, typ string) *Container {
	t.Helper()
	c, err := conn.Create(context.Background(), containerName(t), typ)
	require.NoError(t, err)
	return c
}

// flush round-trips a ping so every frame the server sent before it is queued.
func flush(t testing.TB, conn *Conn) {
	t.Helper()
	_, err := conn.Ping(context.Background())
	require.NoError(t, err)
}

func ints(values []wire.Value) []int64 {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, ok := v.AsInt()
		if !ok {
			panic("not an int: " + v.String())
		}
		out = append(out, n)
	}
	return out
}

func strs(values []wire.Value) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.String())
	}
	return out
}

// listMirror replays list events into a local slice.
type listMirror struct {
	items  []int64
	events []EventKind
}

func (m *listMirror) sink(_ *Container, ev Event) {
	m.events = append(m.events, ev.Kind)

	idx := func() int {
		n, _ := ev.Key.AsInt()
		return int(n)
	}
	val := func() int64 {
		n, _ := ev.Value.AsInt()
		return n
	}

	switch ev.Kind {
	case EventPushBack:
		m.items = append(m.items, val())
	case EventPushFront:
		m.items = append([]int64{val()}, m.items...)
	case EventInsert:
		i := idx()
		m.items = append(m.items[:i], append([]int64{val()}, m.items[i:]...)...)
	case EventPopFront:
		m.items = m.items[1:]
	case EventPopBack:
		m.items = m.items[:len(m.items)-1]
	case EventDelete:
		i := idx()
		m.items = append(m.items[:i], m.items[i+1:]...)
	case EventSet:
		m.items[idx()] = val()
	case EventClear:
		m.items = nil
	}
}

// createListener runs handler for every connection accepted on a loopback port.
func createListener(t testing.TB, handler func(conn net.Conn)) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}

	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				if handler != nil {
					handler(c)
				}
			}(conn)
		}
	}()

	return listener.Addr().String()
}

// scriptedResponder answers each command line with the next response.
func scriptedResponder(responses ...string) func(conn net.Conn) {
	return func(conn net.Conn) {
		r := wire.NewReader(conn, 256)
		for _, resp := range responses {
			if _, err := r.ReadLine(); err != nil {
				return
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
		// hold the connection open until the client leaves
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _ = r.ReadLine()
	}
}
