package tiotest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/tio/wire"
)

func TestNormalizeRange(t *testing.T) {
	tests := []struct {
		start, end, size int
		from, to         int
	}{
		{0, 0, 10, 0, 10},
		{2, 5, 10, 2, 5},
		{-3, 0, 10, 7, 10},
		{0, -2, 10, 0, 8},
		{-20, 3, 10, 0, 3},
		{15, 0, 10, 10, 10},
		{6, 4, 10, 4, 4},
		{0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		from, to := normalizeRange(tt.start, tt.end, tt.size)
		require.Equal(t, tt.from, from, "start=%d end=%d size=%d", tt.start, tt.end, tt.size)
		require.Equal(t, tt.to, to, "start=%d end=%d size=%d", tt.start, tt.end, tt.size)
	}
}

func TestReadRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteCommand(&buf, wire.NewDataCommand(wire.CmdSet, 3,
		wire.StringValue("k"), wire.IntValue(42), wire.None())))

	req, err := readRequest(wire.NewReader(&buf, 64))
	require.NoError(t, err)
	require.Equal(t, "set", req.name)
	require.Equal(t, []string{"3"}, req.params)
	require.True(t, req.rec.Key.Equal(wire.StringValue("k")))
	require.True(t, req.rec.Value.Equal(wire.IntValue(42)))
	require.True(t, req.rec.Metadata.IsNone())
}

func TestReadRequest_PlainParams(t *testing.T) {
	req, err := readRequest(wire.NewReader(bytes.NewBufferString("subscribe 1 0 5\r\n"), 64))
	require.NoError(t, err)
	require.Equal(t, "subscribe", req.name)
	require.Equal(t, []string{"1", "0", "5"}, req.params)
}

func TestDiffSession_Map(t *testing.T) {
	c := newContainer("m", "volatile_map")
	d := &diffSession{src: c, byKey: make(map[string]wire.Record)}
	c.recorders = append(c.recorders, recorder{fn: d.record})

	require.NoError(t, c.set(wire.StringValue("a"), wire.IntValue(1), wire.None()))
	require.NoError(t, c.set(wire.StringValue("b"), wire.IntValue(2), wire.None()))
	require.NoError(t, c.delete(wire.StringValue("a")))

	changes := d.take()
	require.Len(t, changes, 1)
	require.True(t, changes[0].Key.Equal(wire.StringValue("b")))
	require.True(t, changes[0].Metadata.Equal(wire.StringValue("set")))

	c.clear()
	changes = d.take()
	require.Len(t, changes, 1)
	require.True(t, changes[0].Key.Equal(wire.StringValue("__special__")))

	require.Empty(t, d.take())
}
