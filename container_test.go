package tio

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/tio/internal/tiotest"
	"github.com/pior/tio/wire"
)

func TestContainer_List(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	l := create(t, conn, "volatile_list")

	require.NoError(t, l.PushBack(ctx, wire.StringValue("b"), wire.None()))
	require.NoError(t, l.PushBack(ctx, wire.StringValue("c"), wire.StringValue("meta")))
	require.NoError(t, l.PushFront(ctx, wire.StringValue("a"), wire.None()))
	require.NoError(t, l.Insert(ctx, wire.IntValue(1), wire.StringValue("ab"), wire.None()))

	values, err := l.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b", "c"}, strs(values))

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rec, err := l.Get(ctx, wire.IntValue(-1))
	require.NoError(t, err)
	assert.Equal(t, "c", rec.Value.String())
	assert.Equal(t, "meta", rec.Metadata.String())

	require.NoError(t, l.Set(ctx, wire.IntValue(0), wire.StringValue("A"), wire.None()))
	v, err := l.At(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", v.String())

	require.NoError(t, l.Delete(ctx, wire.IntValue(1)))

	rec, err = l.PopFront(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.Value.String())

	rec, err = l.PopBack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", rec.Value.String())

	require.NoError(t, l.Clear(ctx))
	n, err = l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = l.PopBack(ctx)
	require.Error(t, err)
	assert.True(t, wire.IsServerError(err))
	require.NoError(t, conn.Err())
}

func TestContainer_Map(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	m := create(t, conn, "volatile_map")

	require.NoError(t, m.Set(ctx, wire.StringValue("b"), wire.IntValue(2), wire.None()))
	require.NoError(t, m.Set(ctx, wire.StringValue("a"), wire.IntValue(1), wire.StringValue("first")))
	require.NoError(t, m.Insert(ctx, wire.StringValue("c"), wire.FloatValue(3.5), wire.None()))

	err := m.Insert(ctx, wire.StringValue("c"), wire.IntValue(0), wire.None())
	require.Error(t, err, "insert does not replace")
	assert.True(t, wire.IsServerError(err))

	rec, err := m.Get(ctx, wire.StringValue("a"))
	require.NoError(t, err)
	assert.True(t, rec.Value.Equal(wire.IntValue(1)))
	assert.Equal(t, "first", rec.Metadata.String())

	rec, err = m.Get(ctx, wire.StringValue("c"))
	require.NoError(t, err)
	d, ok := rec.Value.AsDecimal()
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("3.5")))

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, strs(keys))

	require.NoError(t, m.Delete(ctx, wire.StringValue("b")))
	_, err = m.Get(ctx, wire.StringValue("b"))
	assert.True(t, wire.IsServerError(err))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestContainer_AppendRejectsUnsupportedTypes(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	l := create(t, conn, "volatile_list")

	err := l.Append(context.Background(), struct{}{})
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
	assert.False(t, wire.ShouldCloseConnection(err))
}

func TestContainer_QuerySlicing(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	// local reference with the usual slicing rules
	localSlice := func(items []int64, start, end int) []int64 {
		norm := func(i int) int {
			if i < 0 {
				i += len(items)
			}
			return min(max(i, 0), len(items))
		}
		s, e := norm(start), norm(end)
		if s >= e {
			return []int64{}
		}
		return items[s:e]
	}

	for _, size := range []int{0, 1, 2, 3, 5, 7, 11, 50} {
		l := create(t, conn, "volatile_list")
		items := make([]any, size)
		mirror := make([]int64, size)
		for i := range size {
			items[i] = i
			mirror[i] = int64(i)
		}
		require.NoError(t, l.Extend(ctx, items...))

		all, err := l.Values(ctx)
		require.NoError(t, err)
		assert.Equal(t, mirror, ints(all))

		// start only
		for _, start := range []int{0, 1, size / 2, size, -1, -size, -size - 3} {
			got, err := l.Values(ctx, From(start))
			require.NoError(t, err)
			assert.Equal(t, localSlice(mirror, start, size), ints(got), "size=%d start=%d", size, start)
		}

		// end only
		for _, end := range []int{0, 1, size / 2, size, -1, size + 4} {
			got, err := l.Slice(ctx, 0, end)
			require.NoError(t, err)
			assert.Equal(t, localSlice(mirror, 0, end), ints(got), "size=%d end=%d", size, end)
		}

		// both
		for _, r := range [][2]int{{1, 3}, {-3, -1}, {2, 1}, {size / 2, size}, {-2, size}} {
			got, err := l.Slice(ctx, r[0], r[1])
			require.NoError(t, err)
			assert.Equal(t, localSlice(mirror, r[0], r[1]), ints(got), "size=%d range=%v", size, r)
		}
	}
}

func TestContainer_QueryRecords(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	l := create(t, conn, "volatile_list")
	require.NoError(t, l.PushBack(ctx, wire.StringValue("x"), wire.StringValue("mx")))
	require.NoError(t, l.PushBack(ctx, wire.StringValue("y"), wire.None()))

	records, err := l.Query(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Key.Equal(wire.IntValue(0)))
	assert.Equal(t, "mx", records[0].Metadata.String())
	assert.True(t, records[1].Key.Equal(wire.IntValue(1)))
	assert.True(t, records[1].Metadata.IsNone())
}

func TestContainer_Properties(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	l := create(t, conn, "volatile_list")
	require.NoError(t, l.SetProperty(ctx, "owner", wire.StringValue("bob")))

	v, err := l.GetProperty(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "bob", v.String())

	_, err = l.GetProperty(ctx, "missing")
	assert.True(t, wire.IsServerError(err))
}

func TestContainer_ListDiff(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	l := create(t, conn, "volatile_list")
	require.NoError(t, l.Extend(ctx, 1, 2))

	d, err := l.DiffStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "diff_list", d.Kind)

	// the first diff returns the current content
	records, err := l.Diff(ctx, d)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, r := range records {
		change, err := DecodeListChange(r)
		require.NoError(t, err)
		assert.Equal(t, EventPushBack, change.Event)
		assert.True(t, change.Value.Equal(wire.IntValue(int64(i+1))))
		assert.Equal(t, l.Name(), change.Source)
	}

	require.NoError(t, l.Append(ctx, 3))
	_, err = l.PopFront(ctx)
	require.NoError(t, err)

	records, err = l.Diff(ctx, d)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first, err := DecodeListChange(records[0])
	require.NoError(t, err)
	assert.Equal(t, EventPushBack, first.Event)
	assert.True(t, first.Key.Equal(wire.IntValue(2)))

	second, err := DecodeListChange(records[1])
	require.NoError(t, err)
	assert.Equal(t, EventPopFront, second.Event)

	records, err = l.Diff(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestContainer_MapDiff(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	m := create(t, conn, "volatile_map")
	d, err := m.DiffStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "diff_map", d.Kind)

	records, err := m.Diff(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, records)

	for i := range 5 {
		require.NoError(t, m.Set(ctx, wire.StringValue(fmt.Sprint(i)), wire.IntValue(int64(i*i)), wire.None()))
	}
	require.NoError(t, m.Set(ctx, wire.StringValue("2"), wire.IntValue(-1), wire.StringValue("again")))
	require.NoError(t, m.Delete(ctx, wire.StringValue("4")))

	records, err = m.Diff(ctx, d)
	require.NoError(t, err)
	require.Len(t, records, 4, "deleted keys are dropped and repeated keys collapse")

	changes := make(map[string]MapChange)
	for _, r := range records {
		c, err := DecodeMapChange(r)
		require.NoError(t, err)
		changes[c.Key.String()] = c
	}
	assert.True(t, changes["2"].Value.Equal(wire.IntValue(-1)))
	assert.Equal(t, "again", changes["2"].Metadata.String())
	assert.Equal(t, EventSet, changes["3"].Event)

	require.NoError(t, m.Clear(ctx))
	records, err = m.Diff(ctx, d)
	require.NoError(t, err)
	require.Len(t, records, 1)
	c, err := DecodeMapChange(records[0])
	require.NoError(t, err)
	assert.Equal(t, EventClear, c.Event)
}

func TestContainer_StartRecording(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	src := create(t, conn, "volatile_map")
	log := create(t, conn, "volatile_list")
	require.NoError(t, src.StartRecording(ctx, log))

	require.NoError(t, src.Set(ctx, wire.StringValue("k"), wire.StringValue("v"), wire.None()))
	require.NoError(t, src.Delete(ctx, wire.StringValue("k")))

	records, err := log.Query(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	set, err := DecodeListChange(records[0])
	require.NoError(t, err)
	assert.Equal(t, EventSet, set.Event)
	assert.Equal(t, "k", set.Key.String())
	assert.Equal(t, "v", set.Value.String())
	assert.Equal(t, src.Name(), set.Source)

	del, err := DecodeListChange(records[1])
	require.NoError(t, err)
	assert.Equal(t, EventDelete, del.Event)
}

func TestContainer_Close(t *testing.T) {
	srv := tiotest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	l := create(t, conn, "volatile_list")

	var errs []error
	require.NoError(t, l.WaitAndPopNext(ctx, func(_ *Container, _ Event, err error) {
		errs = append(errs, err)
	}))

	require.NoError(t, l.Close(ctx))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrContainerClosed)

	err := l.PushBack(ctx, wire.IntValue(1), wire.None())
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)

	err = l.Close(ctx)
	require.ErrorAs(t, err, &usageErr)

	_, ok := conn.Container(l.Handle())
	assert.False(t, ok)
	require.NoError(t, conn.Err())
}

func TestContainer_ForeignConnection(t *testing.T) {
	srv := tiotest.NewServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	ctx := context.Background()

	l := create(t, a, "volatile_list")
	other := create(t, b, "volatile_list")

	err := l.StartRecording(ctx, other)
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr, "handles are scoped to a connection")

	err = other.PushBack(ctx, wire.IntValue(1), wire.None())
	require.NoError(t, err)
}
