package tio

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/pior/tio/wire"
)

// containerState is everything the connection tracks for one open handle.
type containerState struct {
	container *Container

	sinks      map[EventKind][]Sink
	subscribed bool
	bounds     subscribeOptions

	events []Event
	queued bool // listed in Conn.pendingOrder

	nextWaiters []*waiter
	keyWaiters  map[string][]*waiter

	closed bool
}

// waiter wraps a PopFunc so a refused registration can be found again.
type waiter struct {
	fn PopFunc
}

// failWaiters invokes every registered waiter once with err.
func (st *containerState) failWaiters(err error) {
	next, byKey := st.nextWaiters, st.keyWaiters
	st.nextWaiters, st.keyWaiters = nil, nil

	ev := Event{Handle: st.container.handle}
	for _, w := range next {
		w.fn(st.container, ev, err)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, w := range byKey[k] {
			w.fn(st.container, ev, err)
		}
	}
}

func (c *Conn) register(handle int, name, typ string) *containerState {
	if st, ok := c.containers[handle]; ok && !st.closed {
		st.container.name, st.container.typ = name, typ
		return st
	}

	st := &containerState{
		container: &Container{conn: c, handle: handle, name: name, typ: typ},
		sinks:     make(map[EventKind][]Sink),
	}
	c.containers[handle] = st
	return st
}

func (c *Conn) state(ct *Container) (*containerState, error) {
	if ct.conn != c {
		return nil, &UsageError{Op: "container", Message: "container belongs to another connection"}
	}
	st, ok := c.containers[ct.handle]
	if !ok || st.closed || st.container != ct {
		return nil, &UsageError{Op: "container", Message: "container " + strconv.Quote(ct.name) + " is closed"}
	}
	return st, nil
}

func (c *Conn) queueEvent(f *wire.Frame) error {
	st, ok := c.containers[f.Handle]
	if !ok {
		c.log.Error("event for unknown handle", zap.Int("handle", f.Handle), zap.String("event", f.Event))
		return &wire.ProtocolError{Message: fmt.Sprintf("event %s for unknown handle %d", f.Event, f.Handle)}
	}

	kind, ok := ParseEventKind(f.Event)
	if !ok {
		c.log.Error("unknown event", zap.Int("handle", f.Handle), zap.String("event", f.Event))
		return &wire.ProtocolError{Message: "unknown event " + strconv.Quote(f.Event)}
	}

	c.stats.recordEvent()
	if st.closed {
		c.log.Debug("event for closed container dropped", zap.Int("handle", f.Handle), zap.String("event", f.Event))
		return nil
	}

	c.queue(st, Event{Handle: f.Handle, Kind: kind, Record: f.Record})
	return nil
}

func (c *Conn) queue(st *containerState, ev Event) {
	st.events = append(st.events, ev)
	if !st.queued {
		st.queued = true
		c.pendingOrder = append(c.pendingOrder, st.container.handle)
	}
}

func (c *Conn) addGroupMember(f *wire.Frame) {
	st := c.register(f.Handle, f.Name, f.Type)

	sink, ok := c.groups[f.Group]
	if !ok {
		c.log.Warn("group_container for unknown group", zap.String("group", f.Group), zap.Int("handle", f.Handle))
	} else {
		st.sinks[EventAny] = append(st.sinks[EventAny], sink)
		st.subscribed = true
	}

	c.queue(st, Event{
		Handle: f.Handle,
		Kind:   EventGroupContainer,
		Record: wire.Record{
			Key:      wire.StringValue(f.Group),
			Value:    wire.StringValue(f.Name),
			Metadata: wire.StringValue(f.Type),
		},
	})
}

// DispatchPendingEvents delivers up to max queued events, all of them when
// max <= 0, and returns how many were delivered. Each handle with queued
// events is visited once, in the order its first pending event arrived.
func (c *Conn) DispatchPendingEvents(max int) int {
	order := append([]int(nil), c.pendingOrder...)

	count := 0
	for _, h := range order {
		if max > 0 && count >= max {
			break
		}
		st, ok := c.containers[h]
		if !ok {
			continue
		}

		limit := 0
		if max > 0 {
			limit = max - count
		}
		count += c.dispatchHandle(st, limit)
	}

	c.compactPending()
	return count
}

func (c *Conn) compactPending() {
	kept := c.pendingOrder[:0]
	for _, h := range c.pendingOrder {
		st, ok := c.containers[h]
		if !ok {
			continue
		}
		if len(st.events) > 0 {
			kept = append(kept, h)
		} else {
			st.queued = false
		}
	}
	c.pendingOrder = kept
}

// dispatchHandle delivers up to max events of one container in arrival order.
func (c *Conn) dispatchHandle(st *containerState, max int) int {
	n := len(st.events)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return 0
	}

	// detach the batch: sinks may queue more events while it runs
	batch := st.events[:n:n]
	if n == len(st.events) {
		st.events = nil
	} else {
		st.events = st.events[n:]
	}

	for _, ev := range batch {
		c.deliver(st, ev)
	}
	c.stats.recordDispatched(n)
	return n
}

func (c *Conn) deliver(st *containerState, ev Event) {
	switch ev.Kind {
	case EventWaitNext:
		if len(st.nextWaiters) == 0 {
			c.log.Warn("wnp_next event without waiter", zap.Int("handle", ev.Handle))
			return
		}
		w := st.nextWaiters[0]
		st.nextWaiters = st.nextWaiters[1:]
		w.fn(st.container, ev, nil)

	case EventWaitKey:
		key, _ := ev.Key.AsString()
		waiters := st.keyWaiters[key]
		if len(waiters) == 0 {
			c.log.Warn("wnp_key event without waiter", zap.Int("handle", ev.Handle), zap.String("key", key))
			return
		}
		w := waiters[0]
		if len(waiters) == 1 {
			delete(st.keyWaiters, key)
		} else {
			st.keyWaiters[key] = waiters[1:]
		}
		w.fn(st.container, ev, nil)

	default:
		sinks, ok := st.sinks[ev.Kind]
		if !ok {
			sinks = st.sinks[EventAny]
		}
		for _, sink := range sinks {
			sink(st.container, ev)
		}
	}
}

type subscribeOptions struct {
	filter EventKind
	start  *int
	end    *int
}

// SubscribeOption configures Container.Subscribe.
type SubscribeOption func(*subscribeOptions)

// WithFilter delivers only events of the given kind to the sink.
// A sink registered for a specific kind takes precedence over wildcard sinks.
func WithFilter(kind EventKind) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = kind }
}

// WithStart asks the server for a snapshot starting at index start.
// Negative values address from the end.
func WithStart(start int) SubscribeOption {
	return func(o *subscribeOptions) { o.start = &start }
}

// WithEnd bounds the subscribed window. The server applies the bounds.
func WithEnd(end int) SubscribeOption {
	return func(o *subscribeOptions) { o.end = &end }
}

// rangeParams renders optional bounds as "[start [end]]". Start is sent as 0
// when only end is set.
func rangeParams(start, end *int) []string {
	if start == nil && end == nil {
		return nil
	}
	s := 0
	if start != nil {
		s = *start
	}
	params := []string{strconv.Itoa(s)}
	if end != nil {
		params = append(params, strconv.Itoa(*end))
	}
	return params
}

func (c *Conn) subscribe(ctx context.Context, ct *Container, sink Sink, opts ...SubscribeOption) error {
	st, err := c.state(ct)
	if err != nil {
		return err
	}

	o := subscribeOptions{filter: EventAny}
	for _, opt := range opts {
		opt(&o)
	}

	// register before sending: snapshot events may precede the answer
	st.sinks[o.filter] = append(st.sinks[o.filter], sink)
	if st.subscribed {
		return nil
	}
	st.subscribed = true
	st.bounds = o

	// a refused subscription drops every sink added since: none of them
	// ever reached the server
	undo := func() {
		clear(st.sinks)
		st.subscribed = false
		st.bounds = subscribeOptions{}
	}

	params := append([]string{strconv.Itoa(ct.handle)}, rangeParams(o.start, o.end)...)
	_, err = c.execUndo(ctx, wire.NewCommand(wire.CmdSubscribe, params...), undo)
	return err
}

func (c *Conn) unsubscribe(ctx context.Context, ct *Container) error {
	st, err := c.state(ct)
	if err != nil {
		return err
	}

	if _, err := c.exec(ctx, wire.NewCommand(wire.CmdUnsubscribe, strconv.Itoa(ct.handle))); err != nil {
		return err
	}

	clear(st.sinks)
	st.subscribed = false
	st.bounds = subscribeOptions{}
	return nil
}

func (c *Conn) waitAndPopNext(ctx context.Context, ct *Container, fn PopFunc) error {
	st, err := c.state(ct)
	if err != nil {
		return err
	}

	w := &waiter{fn: fn}
	st.nextWaiters = append(st.nextWaiters, w)

	undo := func() {
		st.nextWaiters = slices.DeleteFunc(st.nextWaiters, func(x *waiter) bool { return x == w })
	}
	_, err = c.execUndo(ctx, wire.NewCommand(wire.CmdWaitNext, strconv.Itoa(ct.handle)), undo)
	return err
}

func (c *Conn) waitAndPopKey(ctx context.Context, ct *Container, key wire.Value, fn PopFunc) error {
	k, ok := key.AsString()
	if !ok {
		return &UsageError{Op: "wait and pop key", Message: "key must be a string, got " + key.Kind().String()}
	}

	st, err := c.state(ct)
	if err != nil {
		return err
	}

	if st.keyWaiters == nil {
		st.keyWaiters = make(map[string][]*waiter)
	}
	w := &waiter{fn: fn}
	st.keyWaiters[k] = append(st.keyWaiters[k], w)

	undo := func() {
		waiters := slices.DeleteFunc(st.keyWaiters[k], func(x *waiter) bool { return x == w })
		if len(waiters) == 0 {
			delete(st.keyWaiters, k)
		} else {
			st.keyWaiters[k] = waiters
		}
	}

	cmd := wire.NewDataCommand(wire.CmdWaitKey, ct.handle, key, wire.None(), wire.None())
	_, err = c.execUndo(ctx, cmd, undo)
	return err
}

// GroupAdd adds the named container to a server-side group.
func (c *Conn) GroupAdd(ctx context.Context, group, containerName string) error {
	_, err := c.exec(ctx, wire.NewCommand(wire.CmdGroupAdd, group, containerName))
	return err
}

// GroupSubscribe attaches sink to every current and future member of group.
// The server opens each member on this connection and announces it with a
// group_container frame; the sink first receives an EventGroupContainer
// event for the member, then all of its events. start is passed to the
// member subscriptions; empty means no snapshot.
func (c *Conn) GroupSubscribe(ctx context.Context, group string, sink Sink, start string) error {
	if err := wire.ValidateToken(group); err != nil {
		return err
	}

	prev, hadPrev := c.groups[group]
	c.groups[group] = sink

	undo := func() {
		if hadPrev {
			c.groups[group] = prev
		} else {
			delete(c.groups, group)
		}
	}

	params := []string{group}
	if start != "" {
		params = append(params, start)
	}

	_, err := c.execUndo(ctx, wire.NewCommand(wire.CmdGroupSubscribe, params...), undo)
	return err
}

// reusable reports whether the connection can be handed to another owner:
// it is healthy and holds no state that would leak to the next caller.
func (c *Conn) reusable() bool {
	if c.err != nil || c.pipelining || len(c.inflight) > 0 || len(c.received) > 0 || len(c.deferred) > 0 || len(c.groups) > 0 {
		return false
	}
	for _, st := range c.containers {
		if st.closed {
			continue
		}
		if st.subscribed || len(st.events) > 0 || len(st.nextWaiters) > 0 || len(st.keyWaiters) > 0 {
			return false
		}
	}
	return true
}
