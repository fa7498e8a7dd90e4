package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pior/tio"
	"github.com/pior/tio/internal/tiotest"
	"github.com/pior/tio/wire"
)

func newTestShell(t *testing.T, srv *tiotest.Server) (*shell, *bytes.Buffer) {
	t.Helper()
	log := zaptest.NewLogger(t)

	pool, err := tio.NewServerPool(srv.Addr(), tio.PoolConfig{MaxSize: 1, Conn: tio.Config{Logger: log}})
	require.NoError(t, err)

	var out bytes.Buffer
	sh := newShell(pool, defaultConfig(), &out, log)
	require.NoError(t, sh.connect(context.Background()))

	t.Cleanup(func() {
		sh.release()
		pool.Close()
	})
	return sh, &out
}

// runLines executes lines and returns what they printed.
func runLines(t *testing.T, sh *shell, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	out.Reset()
	for _, line := range lines {
		require.False(t, sh.exec(context.Background(), line), line)
	}
	return out.String()
}

func TestShell_List(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	got := runLines(t, sh, out, "create jobs volatile_list")
	assert.Contains(t, got, "jobs (volatile_list) handle")

	runLines(t, sh, out, "push a b 3", "pushf first")
	assert.Equal(t, []string{"first", "a", "b", "3"}, valuesOf(srv, "jobs"))

	assert.Equal(t, "4\n", runLines(t, sh, out, "count"))
	assert.Equal(t, "0: first\n1: a\n2 records\n", runLines(t, sh, out, "query 0 2"))
	assert.Equal(t, "3: 3\n", runLines(t, sh, out, "pop"))
	assert.Equal(t, "0: first\n", runLines(t, sh, out, "pop front"))

	runLines(t, sh, out, "set 0 z", "del -1")
	assert.Equal(t, []string{"z"}, valuesOf(srv, "jobs"))

	runLines(t, sh, out, "clear")
	assert.Empty(t, valuesOf(srv, "jobs"))
}

func TestShell_Map(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	runLines(t, sh, out, "create settings volatile_map", "set mode fast note", "insert limit 10")
	assert.Equal(t, "mode: fast (note)\n", runLines(t, sh, out, "get mode"))
	assert.Equal(t, "limit: 10\n", runLines(t, sh, out, "get limit"))

	got := runLines(t, sh, out, "insert mode slow")
	assert.Contains(t, got, "Error:")
}

func TestShell_Events(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	runLines(t, sh, out, "create feed volatile_list", "push 1", "sub 0", "push 2", "poll 0.05")
	got := out.String()

	assert.Contains(t, got, "event feed push_back 0: 1\n")
	assert.Contains(t, got, "event feed snapshot_end\n")
	assert.Contains(t, got, "event feed push_back 1: 2\n")
}

func TestShell_Wait(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	got := runLines(t, sh, out, "create q volatile_list", "wait", "push job", "poll 0.05")
	assert.Contains(t, got, "popped job from q\n")
	assert.Empty(t, valuesOf(srv, "q"))
}

func TestShell_Diff(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	runLines(t, sh, out, "create d volatile_map", "set a 1")
	assert.Equal(t, "0 changes\n", runLines(t, sh, out, "diff"))

	runLines(t, sh, out, "set b 2")
	assert.Equal(t, "set b 2\n1 changes\n", runLines(t, sh, out, "diff"))
}

func TestShell_Pipelining(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	runLines(t, sh, out, "create p volatile_list", "pipeline on", "push 1 2 3")
	assert.Equal(t, 3, sh.conn.PendingAnswers())
	assert.Equal(t, "3 answers\n", runLines(t, sh, out, "flush"))

	got := runLines(t, sh, out, "pipeline off", "stats")
	assert.Contains(t, got, "Pending answers: 0")
}

func TestShell_Errors(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	assert.Contains(t, runLines(t, sh, out, "count"), "no container selected")
	assert.Contains(t, runLines(t, sh, out, "open missing"), "no such container")
	assert.Contains(t, runLines(t, sh, out, "create"), "usage: create")
	assert.Contains(t, runLines(t, sh, out, "pipeline maybe"), "usage: pipeline")

	runLines(t, sh, out, "create x volatile_list")
	assert.Contains(t, runLines(t, sh, out, "frobnicate"), `unknown command "frobnicate"`)
	assert.Empty(t, runLines(t, sh, out, "", "   "))

	assert.True(t, sh.exec(context.Background(), "quit"))
}

func TestShell_Reconnects(t *testing.T) {
	srv := tiotest.NewServer(t)
	sh, out := newTestShell(t, srv)

	runLines(t, sh, out, "create r volatile_list")
	first := sh.conn

	srv.DropConnections()
	got := runLines(t, sh, out, "ping")
	assert.Contains(t, got, "Connection lost, reconnecting")
	assert.NotSame(t, first, sh.conn)
	assert.Nil(t, sh.current)

	assert.Equal(t, "pong \n", runLines(t, sh, out, "ping"))
}

func TestParseValue(t *testing.T) {
	assert.True(t, parseValue("42").Equal(wire.IntValue(42)))
	assert.True(t, parseValue("-7").Equal(wire.IntValue(-7)))
	assert.True(t, parseValue("1.50").Equal(wire.DecimalValue(decimal.RequireFromString("1.5"))))
	assert.True(t, parseValue("abc").Equal(wire.StringValue("abc")))
	assert.True(t, parseValue(`"42"`).Equal(wire.StringValue("42")))
	assert.True(t, parseValue("v1.2.3").Equal(wire.StringValue("v1.2.3")))
}

func valuesOf(srv *tiotest.Server, name string) []string {
	out := []string{}
	for _, v := range srv.Values(name) {
		out = append(out, v.String())
	}
	return out
}
