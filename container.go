package tio

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pior/tio/wire"
)

// Store is the set of operations a tio container supports.
type Store interface {
	Handle() int
	Name() string
	Type() string

	Get(ctx context.Context, key wire.Value) (wire.Record, error)
	Set(ctx context.Context, key, value, metadata wire.Value) error
	Insert(ctx context.Context, key, value, metadata wire.Value) error
	Delete(ctx context.Context, key wire.Value) error
	PushBack(ctx context.Context, value, metadata wire.Value) error
	PushFront(ctx context.Context, value, metadata wire.Value) error
	PopBack(ctx context.Context) (wire.Record, error)
	PopFront(ctx context.Context) (wire.Record, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Query(ctx context.Context, opts ...QueryOption) ([]wire.Record, error)

	Subscribe(ctx context.Context, sink Sink, opts ...SubscribeOption) error
	Unsubscribe(ctx context.Context) error
	WaitAndPopNext(ctx context.Context, fn PopFunc) error
	WaitAndPopKey(ctx context.Context, key wire.Value, fn PopFunc) error
	DispatchPendingEvents(max int) int

	Close(ctx context.Context) error
}

var _ Store = (*Container)(nil)

// Container is a proxy for one open server container.
// It holds no state beyond its handle, name and type; everything else lives
// on the owning Conn, with the same single-owner rule.
type Container struct {
	conn   *Conn
	handle int
	name   string
	typ    string
}

func (c *Container) Handle() int  { return c.handle }
func (c *Container) Name() string { return c.name }
func (c *Container) Type() string { return c.typ }
func (c *Container) Conn() *Conn  { return c.conn }

func (c *Container) String() string {
	return fmt.Sprintf("%s(%s #%d)", c.name, c.typ, c.handle)
}

func (c *Container) cmd(name wire.CmdType, params ...string) *wire.Command {
	return wire.NewCommand(name, append([]string{strconv.Itoa(c.handle)}, params...)...)
}

func (c *Container) data(name wire.CmdType, key, value, metadata wire.Value) *wire.Command {
	return wire.NewDataCommand(name, c.handle, key, value, metadata)
}

func (c *Container) exec(ctx context.Context, cmd *wire.Command) error {
	if _, err := c.conn.state(c); err != nil {
		return err
	}
	_, err := c.conn.exec(ctx, cmd)
	return err
}

func (c *Container) answer(ctx context.Context, cmd *wire.Command, want wire.AnswerKind) (*wire.Answer, error) {
	if _, err := c.conn.state(c); err != nil {
		return nil, err
	}

	a, err := c.conn.forceAnswer(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if a.Kind != want && !(want == wire.AnswerQuery && a.Kind == wire.AnswerOK) {
		return nil, c.conn.fail(&wire.ProtocolError{Message: fmt.Sprintf("%s: unexpected answer kind %d", cmd.Name, a.Kind)})
	}
	return a, nil
}

func (c *Container) record(ctx context.Context, cmd *wire.Command) (wire.Record, error) {
	a, err := c.answer(ctx, cmd, wire.AnswerData)
	if err != nil {
		return wire.Record{}, err
	}
	return a.Record, nil
}

// Get returns the record stored under key (an index for lists).
func (c *Container) Get(ctx context.Context, key wire.Value) (wire.Record, error) {
	return c.record(ctx, c.data(wire.CmdGet, key, wire.None(), wire.None()))
}

func (c *Container) Set(ctx context.Context, key, value, metadata wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdSet, key, value, metadata))
}

func (c *Container) Insert(ctx context.Context, key, value, metadata wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdInsert, key, value, metadata))
}

func (c *Container) Delete(ctx context.Context, key wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdDelete, key, wire.None(), wire.None()))
}

func (c *Container) PushBack(ctx context.Context, value, metadata wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdPushBack, wire.None(), value, metadata))
}

func (c *Container) PushFront(ctx context.Context, value, metadata wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdPushFront, wire.None(), value, metadata))
}

func (c *Container) PopBack(ctx context.Context) (wire.Record, error) {
	return c.record(ctx, c.cmd(wire.CmdPopBack))
}

func (c *Container) PopFront(ctx context.Context) (wire.Record, error) {
	return c.record(ctx, c.cmd(wire.CmdPopFront))
}

func (c *Container) Clear(ctx context.Context) error {
	return c.exec(ctx, c.cmd(wire.CmdClear))
}

// Count returns the number of records.
func (c *Container) Count(ctx context.Context) (int, error) {
	a, err := c.answer(ctx, c.cmd(wire.CmdGetCount), wire.AnswerCount)
	if err != nil {
		return 0, err
	}
	return a.Count, nil
}

// Append pushes a Go value to the back. See wire.ValueOf for supported types.
func (c *Container) Append(ctx context.Context, v any) error {
	value, err := wire.ValueOf(v)
	if err != nil {
		return &UsageError{Op: "append", Message: err.Error()}
	}
	return c.PushBack(ctx, value, wire.None())
}

// Extend pushes every value to the back, in order.
func (c *Container) Extend(ctx context.Context, values ...any) error {
	for _, v := range values {
		if err := c.Append(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

type queryOptions struct {
	start *int
	end   *int
}

// QueryOption bounds a query.
type QueryOption func(*queryOptions)

// From starts the query at index start. Negative values address from the end.
func From(start int) QueryOption {
	return func(o *queryOptions) { o.start = &start }
}

// To ends the query before index end. Negative values address from the end;
// 0 means the end of the container.
func To(end int) QueryOption {
	return func(o *queryOptions) { o.end = &end }
}

// Query returns the records in the requested range, with keys and metadata.
// Out of range bounds are clamped by the server.
func (c *Container) Query(ctx context.Context, opts ...QueryOption) ([]wire.Record, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	a, err := c.answer(ctx, c.cmd(wire.CmdQuery, rangeParams(o.start, o.end)...), wire.AnswerQuery)
	if err != nil {
		return nil, err
	}
	return a.Records, nil
}

// Values is Query without keys and metadata.
func (c *Container) Values(ctx context.Context, opts ...QueryOption) ([]wire.Value, error) {
	records, err := c.Query(ctx, opts...)
	if err != nil {
		return nil, err
	}
	values := make([]wire.Value, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	return values, nil
}

// Slice returns the values in [start, end) with the usual slicing rules:
// negative indexes address from the end, bounds are clamped and an empty
// result is returned when start is not before end.
func (c *Container) Slice(ctx context.Context, start, end int) ([]wire.Value, error) {
	// the server reads an end of 0 as "to the end"
	if end == 0 {
		return []wire.Value{}, nil
	}
	return c.Values(ctx, From(start), To(end))
}

// At returns the value at index i. Negative values address from the end.
func (c *Container) At(ctx context.Context, i int) (wire.Value, error) {
	rec, err := c.Get(ctx, wire.IntValue(int64(i)))
	if err != nil {
		return wire.None(), err
	}
	return rec.Value, nil
}

// Keys returns the keys of every record, in server order.
func (c *Container) Keys(ctx context.Context) ([]wire.Value, error) {
	records, err := c.Query(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]wire.Value, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys, nil
}

// DiffSession identifies a server-side change accumulator.
type DiffSession struct {
	Handle int
	Kind   string // diff_list or diff_map
}

// DiffStart opens a diff session on the container.
func (c *Container) DiffStart(ctx context.Context) (DiffSession, error) {
	a, err := c.answer(ctx, c.cmd(wire.CmdDiffStart), wire.AnswerDiff)
	if err != nil {
		return DiffSession{}, err
	}
	return DiffSession{Handle: a.DiffHandle, Kind: a.DiffKind}, nil
}

// Diff returns the changes accumulated since the previous Diff call.
// The first call returns the current content of list containers.
// Records are X1 encoded; see DecodeListChange and DecodeMapChange.
func (c *Container) Diff(ctx context.Context, d DiffSession) ([]wire.Record, error) {
	if _, err := c.conn.state(c); err != nil {
		return nil, err
	}

	a, err := c.conn.forceAnswer(ctx, wire.NewCommand(wire.CmdDiff, strconv.Itoa(d.Handle)))
	if err != nil {
		return nil, err
	}
	return a.Records, nil
}

// Subscribe registers sink for the container's events and, for the first
// sink, asks the server to start sending them. Bounds only apply to that
// first subscription.
func (c *Container) Subscribe(ctx context.Context, sink Sink, opts ...SubscribeOption) error {
	return c.conn.subscribe(ctx, c, sink, opts...)
}

// Unsubscribe stops event delivery and drops every sink.
func (c *Container) Unsubscribe(ctx context.Context) error {
	return c.conn.unsubscribe(ctx, c)
}

// WaitAndPopNext calls fn with the next item pushed to the container, or
// right away with the first item when the container is not empty. Waiters
// are served in registration order. fn is called from DispatchPendingEvents.
func (c *Container) WaitAndPopNext(ctx context.Context, fn PopFunc) error {
	return c.conn.waitAndPopNext(ctx, c, fn)
}

// WaitAndPopKey calls fn with the next value set for key. key must be a string.
func (c *Container) WaitAndPopKey(ctx context.Context, key wire.Value, fn PopFunc) error {
	return c.conn.waitAndPopKey(ctx, c, key, fn)
}

// DispatchPendingEvents delivers up to max queued events of this container,
// all of them when max <= 0, and returns how many were delivered.
func (c *Container) DispatchPendingEvents(max int) int {
	st, err := c.conn.state(c)
	if err != nil {
		return 0
	}
	n := c.conn.dispatchHandle(st, max)
	c.conn.compactPending()
	return n
}

// PendingEvents returns the number of events queued for this container.
func (c *Container) PendingEvents() int {
	st, err := c.conn.state(c)
	if err != nil {
		return 0
	}
	return len(st.events)
}

// GetProperty returns a container property.
func (c *Container) GetProperty(ctx context.Context, key string) (wire.Value, error) {
	rec, err := c.record(ctx, c.data(wire.CmdGetProperty, wire.StringValue(key), wire.None(), wire.None()))
	if err != nil {
		return wire.None(), err
	}
	return rec.Value, nil
}

func (c *Container) SetProperty(ctx context.Context, key string, value wire.Value) error {
	return c.exec(ctx, c.data(wire.CmdSetProperty, wire.StringValue(key), value, wire.None()))
}

// StartRecording makes the server log every change of c into dst, a list.
// Records are X1 encoded like list diffs and keep flowing after disconnect.
func (c *Container) StartRecording(ctx context.Context, dst *Container) error {
	if _, err := c.conn.state(dst); err != nil {
		return err
	}
	return c.exec(ctx, c.cmd(wire.CmdStartRecording, strconv.Itoa(dst.handle)))
}

// SetPermission allows or denies command on this container for user.
func (c *Container) SetPermission(ctx context.Context, command string, allow bool, user string) error {
	return c.conn.SetPermission(ctx, c.typ, c.name, command, allow, user)
}

// Close releases the handle. Queued events are dropped and waiters still
// registered are invoked with ErrContainerClosed.
func (c *Container) Close(ctx context.Context) error {
	st, err := c.conn.state(c)
	if err != nil {
		return err
	}
	if _, err := c.conn.exec(ctx, c.cmd(wire.CmdClose)); err != nil {
		return err
	}

	st.closed = true
	st.events = nil
	clear(st.sinks)
	c.conn.compactPending()

	st.failWaiters(ErrContainerClosed)
	return nil
}
