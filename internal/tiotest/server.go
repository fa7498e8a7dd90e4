// Package tiotest runs an in-process tio server for tests.
//
// The server keeps lists and maps in memory and speaks the text protocol
// the client uses: answers, events, query result sets, group fan-out,
// wait-and-pop rendezvous and diff sessions. It favors being predictable
// over being fast: every command is handled under one lock, and frames are
// queued to a per-session writer so a slow client never blocks the others.
package tiotest

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pior/tio/internal"
	"github.com/pior/tio/wire"
)

// Server is an in-memory tio server listening on a loopback port.
type Server struct {
	ln      net.Listener
	log     *zap.Logger
	buffers *internal.BufferPool

	mu         sync.Mutex
	containers map[string]*container
	groups     map[string]*group
	sessions   map[*session]struct{}
	users      map[string]string
	perms      map[permKey]bool
	queryID    int
	paused     bool
	closed     bool

	wg sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("tiotest: listen: %v", err)
	}

	s := newServer(ln, zaptest.NewLogger(tb, zaptest.Level(zap.InfoLevel)))
	tb.Cleanup(s.Close)
	return s
}

func newServer(ln net.Listener, log *zap.Logger) *Server {
	s := &Server{
		ln:         ln,
		log:        log,
		buffers:    internal.NewBufferPool(512, 64<<10),
		containers: make(map[string]*container),
		groups:     make(map[string]*group),
		sessions:   make(map[*session]struct{}),
		users:      make(map[string]string),
		perms:      make(map[permKey]bool),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns a tio:// URL for the server, naming container when not empty.
func (s *Server) URL(container string) string {
	u := "tio://" + s.Addr()
	if container != "" {
		u += "/" + container
	}
	return u
}

// AddUser makes auth require password for user. Without users, any
// credentials are accepted.
func (s *Server) AddUser(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = password
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Values returns the values of a container, in order. Maps are ordered by key.
func (s *Server) Values(name string) []wire.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[name]
	if !ok {
		return nil
	}
	records := c.records()
	values := make([]wire.Value, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	return values
}

// DropConnections closes every client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}

		sess := newSession(s, conn)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go sess.readLoop()
		go sess.writeLoop()
	}
}

// request is one decoded client command.
type request struct {
	name   string
	params []string
	rec    wire.Record
}

func (r *request) param(i int) (string, bool) {
	if i >= len(r.params) {
		return "", false
	}
	return r.params[i], true
}

func (r *request) intParam(i int) (int, bool, error) {
	p, ok := r.param(i)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, true, errors.New("invalid number " + p)
	}
	return n, true, nil
}

func isTypeTag(s string) bool {
	switch wire.TypeTag(s) {
	case wire.TagString, wire.TagInt, wire.TagDouble:
		return true
	}
	return false
}

func isFieldName(s string) bool {
	return s == wire.FieldKey || s == wire.FieldValue || s == wire.FieldMetadata
}

func readRequest(r *wire.Reader) (*request, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	tokens := strings.Split(line, wire.Space)
	req := &request{name: tokens[0]}

	rest := tokens[1:]
	i := 0
	for i < len(rest) && !(isFieldName(rest[i]) && i+2 < len(rest) && isTypeTag(rest[i+1])) {
		i++
	}
	req.params = rest[:i]

	req.rec, err = wire.ReadFields(r, rest[i:])
	if err != nil {
		return nil, err
	}
	return req, nil
}

// session is one client connection. Its fields other than the outbox are
// guarded by Server.mu.
type session struct {
	srv  *Server
	conn net.Conn
	log  *zap.Logger

	user       string
	nextHandle int
	handles    map[int]*container
	diffs      map[int]*diffSession

	outMu  sync.Mutex
	outC   *sync.Cond
	out    []*bytes.Buffer
	closed bool
}

func newSession(srv *Server, conn net.Conn) *session {
	sess := &session{
		srv:     srv,
		conn:    conn,
		log:     srv.log.With(zap.String("remote", conn.RemoteAddr().String())),
		handles: make(map[int]*container),
		diffs:   make(map[int]*diffSession),
	}
	sess.outC = sync.NewCond(&sess.outMu)
	return sess
}

func (sess *session) readLoop() {
	defer sess.srv.wg.Done()
	defer sess.shutdown()

	r := wire.NewReader(sess.conn, wire.DefaultReadBufferSize)
	for {
		req, err := readRequest(r)
		if err != nil {
			var connErr *wire.ConnectionError
			if !errors.As(err, &connErr) {
				sess.log.Warn("bad request", zap.Error(err))
				sess.answerError(err.Error())
			}
			return
		}

		sess.srv.mu.Lock()
		sess.handle(req)
		sess.srv.mu.Unlock()
	}
}

func (sess *session) shutdown() {
	sess.srv.mu.Lock()
	sess.srv.detach(sess)
	delete(sess.srv.sessions, sess)
	sess.srv.mu.Unlock()

	sess.outMu.Lock()
	sess.closed = true
	sess.outC.Broadcast()
	sess.outMu.Unlock()
}

func (sess *session) writeLoop() {
	defer sess.srv.wg.Done()
	defer sess.conn.Close()

	failed := false
	for {
		sess.outMu.Lock()
		for len(sess.out) == 0 && !sess.closed {
			sess.outC.Wait()
		}
		batch := sess.out
		sess.out = nil
		done := sess.closed
		sess.outMu.Unlock()

		for _, buf := range batch {
			if !failed {
				if _, err := sess.conn.Write(buf.Bytes()); err != nil {
					failed = true
				}
			}
			sess.srv.buffers.Put(buf)
		}

		if done {
			return
		}
	}
}

// frame queues head followed by the present fields of rec.
func (sess *session) frame(head string, rec *wire.Record) {
	buf := sess.srv.buffers.Get()
	buf.WriteString(head)

	var bodies []string
	if rec != nil {
		for _, f := range []struct {
			name string
			v    wire.Value
		}{{wire.FieldKey, rec.Key}, {wire.FieldValue, rec.Value}, {wire.FieldMetadata, rec.Metadata}} {
			data, tag, ok := wire.EncodeValue(f.v)
			if !ok {
				continue
			}
			buf.WriteString(wire.Space + f.name + wire.Space + string(tag) + wire.Space + strconv.Itoa(len(data)))
			bodies = append(bodies, data)
		}
	}
	buf.WriteString(wire.CRLF)
	for _, b := range bodies {
		buf.WriteString(b)
		buf.WriteString(wire.CRLF)
	}

	sess.outMu.Lock()
	defer sess.outMu.Unlock()
	if sess.closed {
		sess.srv.buffers.Put(buf)
		return
	}
	sess.out = append(sess.out, buf)
	sess.outC.Signal()
}

func (sess *session) answerOK(args ...string) {
	head := "answer ok"
	if len(args) > 0 {
		head += wire.Space + strings.Join(args, wire.Space)
	}
	sess.frame(head, nil)
}

func (sess *session) answerData(rec wire.Record) {
	sess.frame("answer ok data", &rec)
}

func (sess *session) answerError(msg string) {
	sess.frame("answer error "+msg, nil)
}

func (sess *session) answerQuery(records []wire.Record) {
	sess.srv.queryID++
	id := strconv.Itoa(sess.srv.queryID)

	sess.answerOK("query", id)
	for i := range records {
		sess.frame("query "+id+" item", &records[i])
	}
	sess.frame("query "+id+" end", nil)
}

func (sess *session) event(handle int, name string, rec wire.Record) {
	head := "event " + strconv.Itoa(handle) + wire.Space + name
	if !wire.EventHasPayload(name) {
		sess.frame(head, nil)
		return
	}
	sess.frame(head, &rec)
}

func (sess *session) open(c *container) int {
	sess.nextHandle++
	sess.handles[sess.nextHandle] = c
	return sess.nextHandle
}

// Paused reports whether a client sent pause without a matching resume.
func (s *Server) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
