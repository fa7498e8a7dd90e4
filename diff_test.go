package tio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/tio/wire"
)

func TestDecodeListChange(t *testing.T) {
	rec := wire.Record{
		Key:      wire.IntValue(0),
		Value:    wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.StringValue("insert"), wire.IntValue(3), wire.StringValue("v"), wire.None()})),
		Metadata: wire.StringValue("source"),
	}

	ch, err := DecodeListChange(rec)
	require.NoError(t, err)
	assert.Equal(t, EventInsert, ch.Event)
	assert.True(t, ch.Key.Equal(wire.IntValue(3)))
	assert.True(t, ch.Value.Equal(wire.StringValue("v")))
	assert.True(t, ch.Metadata.IsNone())
	assert.Equal(t, "source", ch.Source)
}

func TestDecodeListChange_Errors(t *testing.T) {
	tests := map[string]wire.Value{
		"not a string":  wire.IntValue(1),
		"bad encoding":  wire.StringValue("garbage"),
		"wrong arity":   wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.StringValue("set")})),
		"unknown event": wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.StringValue("explode"), wire.None(), wire.None(), wire.None()})),
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeListChange(wire.Record{Value: value})
			assert.Error(t, err)
		})
	}
}

func TestDecodeMapChange(t *testing.T) {
	ch, err := DecodeMapChange(wire.Record{
		Key:      wire.StringValue("k"),
		Value:    wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.IntValue(7), wire.StringValue("meta")})),
		Metadata: wire.StringValue("set"),
	})
	require.NoError(t, err)
	assert.Equal(t, EventSet, ch.Event)
	assert.Equal(t, "k", ch.Key.String())
	assert.True(t, ch.Value.Equal(wire.IntValue(7)))
	assert.Equal(t, "meta", ch.Metadata.String())

	ch, err = DecodeMapChange(wire.Record{Key: wire.StringValue("__special__"), Value: wire.StringValue("clear")})
	require.NoError(t, err)
	assert.Equal(t, EventClear, ch.Event)
}

func TestDecodeMapChange_Errors(t *testing.T) {
	tests := map[string]wire.Record{
		"unknown event": {Key: wire.StringValue("k"), Value: wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.None(), wire.None()})), Metadata: wire.StringValue("nope")},
		"not a string":  {Key: wire.StringValue("k"), Value: wire.IntValue(1), Metadata: wire.StringValue("set")},
		"wrong arity":   {Key: wire.StringValue("k"), Value: wire.StringValue(wire.MustEncodeX1([]wire.Value{wire.None()})), Metadata: wire.StringValue("set")},
	}
	for name, rec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMapChange(rec)
			assert.Error(t, err)
		})
	}
}
