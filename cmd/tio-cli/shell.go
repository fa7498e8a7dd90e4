package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pior/tio"
	"github.com/pior/tio/wire"
)

const helpText = `Commands:
  create <name> [type]       - Create (or open) a container and select it
  open <name>                - Open an existing container and select it
  close                      - Close the selected container
  get <key>                  - Get a record by key or index
  set <key> <value> [meta]   - Set a record
  insert <key> <value>       - Insert a record
  del <key>                  - Delete a record
  push <value>...            - Append values
  pushf <value>              - Prepend a value
  pop [front]                - Pop the last (or first) value
  count                      - Number of records
  query [start [end]]        - List records
  clear                      - Remove every record
  sub [start [end]]          - Subscribe to events
  unsub                      - Stop events
  wait                       - Wait and pop the next pushed value
  poll [seconds]             - Print events until the stream goes quiet
  diff                       - Show changes since the last diff
  pipeline on|off            - Switch pipelining
  flush                      - Collect pending pipelined answers
  auth <user> <password>     - Authenticate
  ping [args]                - Ping the server
  stats                      - Show connection statistics
  quit                       - Exit`

// shell runs text commands against one pooled connection.
type shell struct {
	pool *tio.ServerPool
	cfg  cliConfig
	out  io.Writer
	log  *zap.Logger

	pc      *tio.PooledConn
	conn    *tio.Conn
	current *tio.Container
	diff    *tio.DiffSession
}

func newShell(pool *tio.ServerPool, cfg cliConfig, out io.Writer, log *zap.Logger) *shell {
	return &shell{pool: pool, cfg: cfg, out: out, log: log}
}

func (s *shell) connect(ctx context.Context) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	s.pc, s.conn = pc, pc.Conn()
	s.current, s.diff = nil, nil

	if s.cfg.User != "" {
		if err := s.conn.Auth(ctx, s.cfg.User, s.cfg.Password); err != nil {
			return err
		}
	}
	if s.cfg.Pipelining {
		return s.conn.SetPipelining(true)
	}
	return nil
}

func (s *shell) release() {
	if s.pc != nil {
		s.pc.Release()
		s.pc, s.conn = nil, nil
	}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	command, args := strings.ToLower(parts[0]), parts[1:]
	if command == "quit" || command == "exit" {
		return true
	}

	if err := s.dispatch(ctx, command, args); err != nil {
		s.printf("Error: %v\n", err)
	}

	if err := s.conn.Err(); err != nil {
		s.log.Warn("connection lost", zap.Error(err))
		s.printf("Connection lost, reconnecting\n")
		s.pc.Destroy()
		s.pc, s.conn = nil, nil
		if err := s.connect(ctx); err != nil {
			s.printf("Reconnect failed: %v\n", err)
			return true
		}
	}
	return false
}

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

var errNoContainer = errors.New("no container selected, use create or open")

func (s *shell) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "help":
		s.printf("%s\n", helpText)
		return nil
	case "ping":
		pong, err := s.conn.Ping(ctx, args...)
		if err != nil {
			return err
		}
		s.printf("pong %s\n", pong)
		return nil
	case "auth":
		if len(args) != 2 {
			return usageError("auth <user> <password>")
		}
		return s.conn.Auth(ctx, args[0], args[1])
	case "pipeline":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return usageError("pipeline on|off")
		}
		return s.conn.SetPipelining(args[0] == "on")
	case "flush":
		answers, err := s.conn.ReceiveAllPending(ctx)
		s.printf("%d answers\n", len(answers))
		return err
	case "stats":
		s.printStats()
		return nil
	case "poll":
		timeout := time.Second
		if len(args) == 1 {
			secs, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return usageError("poll [seconds]")
			}
			timeout = time.Duration(secs * float64(time.Second))
		}
		return s.conn.RunLoop(ctx, timeout)
	case "create", "open":
		return s.open(ctx, command, args)
	}

	if s.current == nil {
		return errNoContainer
	}
	return s.containerCommand(ctx, s.current, command, args)
}

func (s *shell) open(ctx context.Context, command string, args []string) error {
	var c *tio.Container
	var err error
	switch {
	case command == "create" && (len(args) == 1 || len(args) == 2):
		typ := ""
		if len(args) == 2 {
			typ = args[1]
		}
		c, err = s.conn.Create(ctx, args[0], typ)
	case command == "open" && len(args) == 1:
		c, err = s.conn.Open(ctx, args[0], "")
	default:
		return usageError(command + " <name> [type]")
	}
	if err != nil {
		return err
	}

	s.current, s.diff = c, nil
	s.printf("%s (%s) handle %d\n", c.Name(), c.Type(), c.Handle())
	return nil
}

func (s *shell) containerCommand(ctx context.Context, c *tio.Container, command string, args []string) error {
	switch command {
	case "close":
		err := c.Close(ctx)
		s.current, s.diff = nil, nil
		return err

	case "get":
		if len(args) != 1 {
			return usageError("get <key>")
		}
		rec, err := c.Get(ctx, parseValue(args[0]))
		if err != nil {
			return err
		}
		s.printRecord(rec)
		return nil

	case "set", "insert":
		if len(args) < 2 || len(args) > 3 {
			return usageError(command + " <key> <value> [meta]")
		}
		meta := wire.None()
		if len(args) == 3 {
			meta = parseValue(args[2])
		}
		if command == "set" {
			return c.Set(ctx, parseValue(args[0]), parseValue(args[1]), meta)
		}
		return c.Insert(ctx, parseValue(args[0]), parseValue(args[1]), meta)

	case "del", "delete":
		if len(args) != 1 {
			return usageError("del <key>")
		}
		return c.Delete(ctx, parseValue(args[0]))

	case "push":
		if len(args) == 0 {
			return usageError("push <value>...")
		}
		for _, a := range args {
			if err := c.PushBack(ctx, parseValue(a), wire.None()); err != nil {
				return err
			}
		}
		return nil

	case "pushf":
		if len(args) != 1 {
			return usageError("pushf <value>")
		}
		return c.PushFront(ctx, parseValue(args[0]), wire.None())

	case "pop":
		var rec wire.Record
		var err error
		if len(args) == 1 && args[0] == "front" {
			rec, err = c.PopFront(ctx)
		} else {
			rec, err = c.PopBack(ctx)
		}
		if err != nil {
			return err
		}
		s.printRecord(rec)
		return nil

	case "count":
		n, err := c.Count(ctx)
		if err != nil {
			return err
		}
		s.printf("%d\n", n)
		return nil

	case "query":
		opts, err := rangeOptions(args)
		if err != nil {
			return err
		}
		records, err := c.Query(ctx, opts...)
		if err != nil {
			return err
		}
		for _, rec := range records {
			s.printRecord(rec)
		}
		s.printf("%d records\n", len(records))
		return nil

	case "clear":
		return c.Clear(ctx)

	case "sub":
		if len(args) > 2 {
			return usageError("sub [start [end]]")
		}
		var opts []tio.SubscribeOption
		for i, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil {
				return usageError("sub [start [end]]")
			}
			if i == 0 {
				opts = append(opts, tio.WithStart(n))
			} else {
				opts = append(opts, tio.WithEnd(n))
			}
		}
		return c.Subscribe(ctx, s.printEvent, opts...)

	case "unsub":
		return c.Unsubscribe(ctx)

	case "wait":
		return c.WaitAndPopNext(ctx, func(c *tio.Container, ev tio.Event, err error) {
			if err != nil {
				s.printf("wait cancelled: %v\n", err)
				return
			}
			s.printf("popped %s from %s\n", ev.Value, c.Name())
		})

	case "diff":
		return s.showDiff(ctx, c)
	}

	return fmt.Errorf("unknown command %q, type 'help' for available commands", command)
}

func (s *shell) showDiff(ctx context.Context, c *tio.Container) error {
	if s.diff == nil {
		d, err := c.DiffStart(ctx)
		if err != nil {
			return err
		}
		s.diff = &d
	}

	records, err := c.Diff(ctx, *s.diff)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if s.diff.Kind == "diff_map" {
			ch, err := tio.DecodeMapChange(rec)
			if err != nil {
				return err
			}
			s.printf("%s %s %s\n", ch.Event, ch.Key, ch.Value)
			continue
		}
		ch, err := tio.DecodeListChange(rec)
		if err != nil {
			return err
		}
		s.printf("%s %s %s\n", ch.Event, ch.Key, ch.Value)
	}
	s.printf("%d changes\n", len(records))
	return nil
}

func (s *shell) printRecord(rec wire.Record) {
	if rec.Metadata.IsNone() {
		s.printf("%s: %s\n", rec.Key, rec.Value)
		return
	}
	s.printf("%s: %s (%s)\n", rec.Key, rec.Value, rec.Metadata)
}

func (s *shell) printEvent(c *tio.Container, ev tio.Event) {
	switch ev.Kind {
	case tio.EventSnapshotEnd, tio.EventClear:
		s.printf("event %s %s\n", c.Name(), ev.Kind)
	default:
		s.printf("event %s %s %s: %s\n", c.Name(), ev.Kind, ev.Key, ev.Value)
	}
}

func (s *shell) printStats() {
	st := s.pool.Stats()
	s.printf("Server %s:\n", st.Addr)
	s.printf("  Commands sent: %d\n", st.ConnStats.CommandsSent)
	s.printf("  Answers received: %d\n", st.ConnStats.AnswersReceived)
	s.printf("  Server errors: %d\n", st.ConnStats.ServerErrors)
	s.printf("  Events received: %d\n", st.ConnStats.EventsReceived)
	s.printf("  Events dispatched: %d\n", st.ConnStats.EventsDispatched)
	s.printf("  Pending answers: %d\n", s.conn.PendingAnswers())
	s.printf("  Connections created: %d\n", st.PoolStats.CreatedConns)
}

func rangeOptions(args []string) ([]tio.QueryOption, error) {
	if len(args) > 2 {
		return nil, usageError("query [start [end]]")
	}
	var opts []tio.QueryOption
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, usageError("query [start [end]]")
		}
		if i == 0 {
			opts = append(opts, tio.From(n))
		} else {
			opts = append(opts, tio.To(n))
		}
	}
	return opts, nil
}

// parseValue reads integers and decimals as numbers, anything else as a
// string. Quote a number to send it as a string.
func parseValue(s string) wire.Value {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return wire.StringValue(s[1 : len(s)-1])
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return wire.IntValue(n)
	}
	if strings.Contains(s, ".") {
		if d, err := decimal.NewFromString(s); err == nil {
			return wire.DecimalValue(d)
		}
	}
	return wire.StringValue(s)
}
