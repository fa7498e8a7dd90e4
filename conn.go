package tio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pior/tio/wire"
)

// Conn is a connection to a tio server.
//
// A Conn has a single owner: it runs no background goroutine and must not be
// used from several goroutines at once. Inbound data is only read while the
// owner is inside a blocking call (a command waiting for its answer,
// ReceivePending, PollOnce or RunLoop). Events read along the way are queued
// per container until DispatchPendingEvents hands them to the sinks.
type Conn struct {
	addr  string
	tr    *transport
	log   *zap.Logger
	stats *statsCollector

	containers   map[int]*containerState
	groups       map[string]Sink
	queries      map[int]*wire.Answer
	pendingOrder []int

	pipelining bool
	inflight   []pendingCmd   // commands whose answer was not returned yet
	received   []*wire.Answer // answers read by PollOnce, not yet returned
	deferred   []error        // pipelined refusals collected ahead of a data command

	stopped bool
	closed  bool
	err     error
}

// pendingCmd is a pipelined command awaiting its answer. undo reverts the
// client-side registration made when the command was sent; it runs when the
// server refuses the command.
type pendingCmd struct {
	name wire.CmdType
	undo func()
}

// Dial connects to a tio server. The address is "host", "host:port" or a
// tio:// URL; the port defaults to DefaultPort.
func Dial(ctx context.Context, address string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	netConn, err := cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &wire.ConnectionError{Op: "dial", Err: err}
	}

	c := newConn(netConn, addr, cfg)
	c.log.Debug("connected")
	return c, nil
}

// NewConn wraps an established connection.
func NewConn(netConn net.Conn, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	return newConn(netConn, netConn.RemoteAddr().String(), cfg)
}

func newConn(netConn net.Conn, addr string, cfg Config) *Conn {
	return &Conn{
		addr:       addr,
		tr:         newTransport(netConn, cfg.ReadBufferSize),
		log:        cfg.Logger.With(zap.String("addr", addr)),
		stats:      cfg.stats,
		containers: make(map[int]*containerState),
		groups:     make(map[string]Sink),
		queries:    make(map[int]*wire.Answer),
		pipelining: cfg.Pipelining,
	}
}

// Addr returns the server address.
func (c *Conn) Addr() string { return c.addr }

// Err returns the error that broke the connection, or nil while it is usable.
func (c *Conn) Err() error { return c.err }

// LastUsed returns when data was last written to or read from the socket.
func (c *Conn) LastUsed() time.Time { return c.tr.lastUsed }

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats { return c.stats.snapshot() }

// Close closes the socket. Registered waiters are invoked with an error
// wrapping ErrConnectionClosed. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.tr.close()
	if c.err == nil {
		c.err = ErrConnectionClosed
		c.abort(ErrConnectionClosed)
	}
	c.log.Debug("connection closed")
	return err
}

func closedError(cause error) error {
	if errors.Is(cause, ErrConnectionClosed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (c *Conn) usable() error {
	if c.err != nil {
		return closedError(c.err)
	}
	return nil
}

// fail marks the connection broken when err leaves the stream unusable.
func (c *Conn) fail(err error) error {
	if !wire.ShouldCloseConnection(err) || c.err != nil {
		return err
	}

	c.err = err
	c.stats.recordBroken()
	c.log.Warn("connection broken", zap.Error(err))
	_ = c.tr.close()
	c.closed = true
	c.abort(err)
	return err
}

// abort discards pending answers and invokes every waiter once with an error.
func (c *Conn) abort(cause error) {
	err := closedError(cause)

	c.inflight = nil
	c.received = nil
	c.deferred = nil
	clear(c.queries)

	handles := make([]int, 0, len(c.containers))
	for h := range c.containers {
		handles = append(handles, h)
	}
	slices.Sort(handles)

	for _, h := range handles {
		c.containers[h].failWaiters(err)
	}
}

func (c *Conn) serverError(name wire.CmdType, se *wire.ServerError) error {
	c.stats.recordServerError()
	return fmt.Errorf("tio: %s: %w", name, se)
}

func (c *Conn) send(ctx context.Context, cmd *wire.Command) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.tr.send(ctx, cmd); err != nil {
		var connErr *wire.ConnectionError
		if errors.As(err, &connErr) {
			return c.fail(err)
		}
		return err
	}
	c.stats.recordCommand()
	return nil
}

// exec sends cmd. Outside pipelining mode it waits for the answer and
// returns it; in pipelining mode it returns (nil, nil) right after sending.
func (c *Conn) exec(ctx context.Context, cmd *wire.Command) (*wire.Answer, error) {
	return c.execUndo(ctx, cmd, nil)
}

// execUndo is exec for commands that register client-side state before
// sending. undo runs when cmd fails: right away when it could not be sent
// or was refused outside pipelining mode, from ReceivePending when a
// pipelined refusal is read.
func (c *Conn) execUndo(ctx context.Context, cmd *wire.Command, undo func()) (*wire.Answer, error) {
	if undo == nil {
		undo = func() {}
	}

	if c.pipelining {
		if err := c.send(ctx, cmd); err != nil {
			undo()
			return nil, err
		}
		c.inflight = append(c.inflight, pendingCmd{name: cmd.Name, undo: undo})
		return nil, nil
	}

	a, err := c.roundTrip(ctx, cmd)
	if err != nil {
		undo()
	}
	return a, err
}

// forceAnswer sends cmd and waits for its answer even in pipelining mode.
// Answers still pending are collected first. Their server errors are kept
// for the next ReceivePending: the result and error returned here belong
// to cmd alone.
func (c *Conn) forceAnswer(ctx context.Context, cmd *wire.Command) (*wire.Answer, error) {
	if len(c.inflight) > 0 {
		_, err := c.collect(ctx, len(c.inflight))
		if err != nil {
			if wire.ShouldCloseConnection(err) {
				return nil, err
			}
			c.deferred = append(c.deferred, err)
		}
	}
	return c.roundTrip(ctx, cmd)
}

func (c *Conn) roundTrip(ctx context.Context, cmd *wire.Command) (*wire.Answer, error) {
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}

	a, err := c.awaitAnswer(ctx)
	if err != nil {
		return nil, err
	}
	if a.Err != nil {
		return a, c.serverError(cmd.Name, a.Err)
	}
	return a, nil
}

// awaitAnswer reads frames until the next complete answer, queuing events
// and accumulating query results on the way.
func (c *Conn) awaitAnswer(ctx context.Context) (*wire.Answer, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			// an answer is owed; leaving now desynchronizes the stream
			return nil, c.fail(&wire.ConnectionError{Op: "read", Err: err})
		}

		a, err := c.readOne(ctx)
		if err != nil {
			return nil, c.fail(err)
		}
		if a != nil {
			return a, nil
		}
	}
}

func (c *Conn) readOne(ctx context.Context) (*wire.Answer, error) {
	f, err := c.tr.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	return c.handleFrame(f)
}

// handleFrame routes one frame. It returns an answer once one is complete.
func (c *Conn) handleFrame(f *wire.Frame) (*wire.Answer, error) {
	switch f.Kind {
	case wire.FrameAnswer:
		a := f.Answer
		if a.Err == nil && a.Kind == wire.AnswerQuery {
			c.queries[a.QueryID] = a
			return nil, nil
		}
		c.stats.recordAnswer()
		return a, nil

	case wire.FrameQueryItem:
		q, ok := c.queries[f.QueryID]
		if !ok {
			return nil, &wire.ProtocolError{Message: "item for unknown query " + strconv.Itoa(f.QueryID)}
		}
		q.Records = append(q.Records, f.Record)
		c.stats.recordQueryItem()
		return nil, nil

	case wire.FrameQueryEnd:
		q, ok := c.queries[f.QueryID]
		if !ok {
			return nil, &wire.ProtocolError{Message: "end of unknown query " + strconv.Itoa(f.QueryID)}
		}
		delete(c.queries, f.QueryID)
		c.stats.recordAnswer()
		return q, nil

	case wire.FrameEvent:
		return nil, c.queueEvent(f)

	case wire.FrameGroupContainer:
		c.addGroupMember(f)
		return nil, nil

	default:
		return nil, &wire.ProtocolError{Message: "unexpected frame " + f.Kind.String()}
	}
}

// PollOnce waits up to timeout for one frame and processes it.
// It reports whether a frame was read. An answer read while commands are
// pending is kept for ReceivePending; any other answer is a protocol error.
func (c *Conn) PollOnce(timeout time.Duration) (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}

	ok, err := c.tr.waitReadable(timeout)
	if err != nil {
		return false, c.fail(err)
	}
	if !ok {
		return false, nil
	}

	a, err := c.readOne(context.Background())
	if err != nil {
		return true, c.fail(err)
	}
	if a != nil {
		if len(c.received) >= len(c.inflight) {
			return true, c.fail(&wire.ProtocolError{Message: "answer received while no command is pending"})
		}
		c.received = append(c.received, a)
	}
	return true, nil
}

// RunLoop alternates dispatching queued events and waiting up to timeout
// for the next frame. It returns nil when no frame arrives within timeout
// or after Stop was called from a sink.
func (c *Conn) RunLoop(ctx context.Context, timeout time.Duration) error {
	c.stopped = false
	for {
		c.DispatchPendingEvents(0)
		if c.stopped {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		got, err := c.PollOnce(timeout)
		if err != nil {
			return err
		}
		if !got {
			return nil
		}
	}
}

// Stop makes the running RunLoop return after the current dispatch.
// It is meant to be called from a sink or waiter.
func (c *Conn) Stop() {
	c.stopped = true
}

// SetPipelining switches pipelining mode. In pipelining mode commands that
// return no data do not wait for their answer; ReceivePending collects them.
func (c *Conn) SetPipelining(on bool) error {
	if len(c.inflight) > 0 {
		return &UsageError{Op: "set pipelining", Message: strconv.Itoa(len(c.inflight)) + " answers pending"}
	}
	c.pipelining = on
	return nil
}

func (c *Conn) Pipelining() bool { return c.pipelining }

// PendingAnswers returns the number of answers not collected yet.
func (c *Conn) PendingAnswers() int { return len(c.inflight) }

// ReceivePending collects up to n pending answers in send order.
// Server errors carried by the answers are joined into the returned error;
// the answers are returned either way. Refusals of pipelined commands that
// a data command had to collect before its own answer are reported here too.
func (c *Conn) ReceivePending(ctx context.Context, n int) ([]*wire.Answer, error) {
	deferred := c.deferred
	c.deferred = nil

	answers, err := c.collect(ctx, n)
	if len(deferred) == 0 {
		return answers, err
	}
	return answers, errors.Join(append(deferred, err)...)
}

// collect reads up to n pending answers, undoing the registrations of the
// commands the server refused.
func (c *Conn) collect(ctx context.Context, n int) ([]*wire.Answer, error) {
	n = min(n, len(c.inflight))
	answers := make([]*wire.Answer, 0, n)

	var errs []error
	for range n {
		var a *wire.Answer
		if len(c.received) > 0 {
			a = c.received[0]
			c.received = c.received[1:]
		} else {
			var err error
			a, err = c.awaitAnswer(ctx)
			if err != nil {
				return answers, err
			}
		}

		p := c.inflight[0]
		c.inflight = c.inflight[1:]
		answers = append(answers, a)

		if a.Err != nil {
			p.undo()
			errs = append(errs, c.serverError(p.name, a.Err))
		}
	}
	return answers, errors.Join(errs...)
}

// ReceiveAllPending collects every pending answer.
func (c *Conn) ReceiveAllPending(ctx context.Context) ([]*wire.Answer, error) {
	return c.ReceivePending(ctx, len(c.inflight))
}

// Create creates a container, or opens it when it already exists.
// An empty typ lets the server pick its default.
func (c *Conn) Create(ctx context.Context, name, typ string) (*Container, error) {
	return c.openContainer(ctx, wire.CmdCreate, name, typ)
}

// Open opens an existing container. An empty typ matches any type.
func (c *Conn) Open(ctx context.Context, name, typ string) (*Container, error) {
	return c.openContainer(ctx, wire.CmdOpen, name, typ)
}

func (c *Conn) openContainer(ctx context.Context, cmdName wire.CmdType, name, typ string) (*Container, error) {
	params := []string{name}
	if typ != "" {
		params = append(params, typ)
	}

	a, err := c.forceAnswer(ctx, wire.NewCommand(cmdName, params...))
	if err != nil {
		return nil, err
	}
	if a.Kind != wire.AnswerHandle {
		return nil, c.fail(&wire.ProtocolError{Message: fmt.Sprintf("%s: expected handle answer", cmdName)})
	}

	if a.Type != "" {
		typ = a.Type
	}
	st := c.register(a.Handle, name, typ)
	c.log.Debug("container opened", zap.String("name", name), zap.Int("handle", a.Handle), zap.String("type", typ))
	return st.container, nil
}

// Container returns the open container with the given handle.
func (c *Conn) Container(handle int) (*Container, bool) {
	st, ok := c.containers[handle]
	if !ok || st.closed {
		return nil, false
	}
	return st.container, true
}

// Ping round-trips a ping and returns the server's payload.
func (c *Conn) Ping(ctx context.Context, args ...string) (string, error) {
	a, err := c.forceAnswer(ctx, wire.NewCommand(wire.CmdPing, args...))
	if err != nil {
		return "", err
	}
	return a.Pong, nil
}

func (c *Conn) ServerPause(ctx context.Context) error {
	_, err := c.exec(ctx, wire.NewCommand(wire.CmdPause))
	return err
}

func (c *Conn) ServerResume(ctx context.Context) error {
	_, err := c.exec(ctx, wire.NewCommand(wire.CmdResume))
	return err
}

// Auth authenticates the session with a clear-text password.
func (c *Conn) Auth(ctx context.Context, token, password string) error {
	_, err := c.exec(ctx, wire.NewCommand(wire.CmdAuth, token, "clean", password))
	return err
}

// SetPermission allows or denies command on an object for user.
// An empty user applies the rule to every user.
func (c *Conn) SetPermission(ctx context.Context, objectType, objectName, command string, allow bool, user string) error {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	params := []string{objectType, objectName, command, decision}
	if user != "" {
		params = append(params, user)
	}
	_, err := c.exec(ctx, wire.NewCommand(wire.CmdSetPermission, params...))
	return err
}
