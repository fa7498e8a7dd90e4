package tiotest

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pior/tio/wire"
)

type handlerFunc func(sess *session, req *request) error

type containerHandler func(sess *session, req *request, c *container, handle int) error

var handlers map[wire.CmdType]handlerFunc

func init() {
	handlers = map[wire.CmdType]handlerFunc{
		wire.CmdCreate:         handleCreate,
		wire.CmdOpen:           handleOpen,
		wire.CmdDiff:           handleDiff,
		wire.CmdGroupAdd:       handleGroupAdd,
		wire.CmdGroupSubscribe: handleGroupSubscribe,
		wire.CmdPing:           handlePing,
		wire.CmdPause:          handlePause,
		wire.CmdResume:         handleResume,
		wire.CmdAuth:           handleAuth,
		wire.CmdSetPermission:  handleSetPermission,

		wire.CmdClose:          onContainer(handleClose),
		wire.CmdGet:            onContainer(handleGet),
		wire.CmdSet:            onContainer(handleSet),
		wire.CmdInsert:         onContainer(handleInsert),
		wire.CmdDelete:         onContainer(handleDelete),
		wire.CmdPushBack:       onContainer(handlePushBack),
		wire.CmdPushFront:      onContainer(handlePushFront),
		wire.CmdPopBack:        onContainer(handlePopBack),
		wire.CmdPopFront:       onContainer(handlePopFront),
		wire.CmdClear:          onContainer(handleClear),
		wire.CmdGetCount:       onContainer(handleGetCount),
		wire.CmdQuery:          onContainer(handleQuery),
		wire.CmdGetProperty:    onContainer(handleGetProperty),
		wire.CmdSetProperty:    onContainer(handleSetProperty),
		wire.CmdStartRecording: onContainer(handleStartRecording),
		wire.CmdSubscribe:      onContainer(handleSubscribe),
		wire.CmdUnsubscribe:    onContainer(handleUnsubscribe),
		wire.CmdWaitNext:       onContainer(handleWaitNext),
		wire.CmdWaitKey:        onContainer(handleWaitKey),
		wire.CmdDiffStart:      onContainer(handleDiffStart),
	}
}

// handle runs one request. It is called with Server.mu held. Handlers
// answer themselves on success; a returned error becomes the answer.
func (sess *session) handle(req *request) {
	h, ok := handlers[wire.CmdType(req.name)]
	if !ok {
		sess.answerError("unknown command " + req.name)
		return
	}

	if err := h(sess, req); err != nil {
		sess.log.Debug("command failed", zap.String("command", req.name), zap.Error(err))
		sess.answerError(err.Error())
	}
}

// onContainer resolves the handle in the first parameter and checks
// permissions before calling h.
func onContainer(h containerHandler) handlerFunc {
	return func(sess *session, req *request) error {
		handle, ok, err := req.intParam(0)
		if err != nil || !ok {
			return errNoSuchHandle
		}
		c, ok := sess.handles[handle]
		if !ok {
			return errNoSuchHandle
		}
		if !sess.srv.allowed(c.name, req.name, sess.user) {
			return errAccessDenied
		}
		return h(sess, req, c, handle)
	}
}

func handleCreate(sess *session, req *request) error {
	name, ok := req.param(0)
	if !ok {
		return errMissingParam
	}
	typ, ok := req.param(1)
	if !ok {
		typ = defaultType
	}

	c, exists := sess.srv.containers[name]
	if !exists {
		c = newContainer(name, typ)
		sess.srv.containers[name] = c
	}

	sess.answerOK("handle", strconv.Itoa(sess.open(c)), c.typ)
	return nil
}

func handleOpen(sess *session, req *request) error {
	name, ok := req.param(0)
	if !ok {
		return errMissingParam
	}

	c, exists := sess.srv.containers[name]
	if !exists {
		return errNoSuchContainer
	}
	if typ, ok := req.param(1); ok && typ != c.typ {
		return errTypeMismatch
	}
	if !sess.srv.allowed(name, req.name, sess.user) {
		return errAccessDenied
	}

	sess.answerOK("handle", strconv.Itoa(sess.open(c)), c.typ)
	return nil
}

func handleClose(sess *session, req *request, c *container, handle int) error {
	c.forget(sess, handle)
	delete(sess.handles, handle)
	sess.answerOK()
	return nil
}

func handleGet(sess *session, req *request, c *container, handle int) error {
	rec, err := c.get(req.rec.Key)
	if err != nil {
		return err
	}
	sess.answerData(rec)
	return nil
}

func handleSet(sess *session, req *request, c *container, handle int) error {
	if err := c.set(req.rec.Key, req.rec.Value, req.rec.Metadata); err != nil {
		return err
	}
	sess.answerOK()
	return nil
}

func handleInsert(sess *session, req *request, c *container, handle int) error {
	if err := c.insert(req.rec.Key, req.rec.Value, req.rec.Metadata); err != nil {
		return err
	}
	sess.answerOK()
	return nil
}

func handleDelete(sess *session, req *request, c *container, handle int) error {
	if err := c.delete(req.rec.Key); err != nil {
		return err
	}
	sess.answerOK()
	return nil
}

func handlePushBack(sess *session, req *request, c *container, handle int) error {
	if err := c.pushBack(req.rec.Value, req.rec.Metadata); err != nil {
		return err
	}
	sess.answerOK()
	return nil
}

func handlePushFront(sess *session, req *request, c *container, handle int) error {
	if err := c.pushFront(req.rec.Value, req.rec.Metadata); err != nil {
		return err
	}
	sess.answerOK()
	return nil
}

func handlePopBack(sess *session, req *request, c *container, handle int) error {
	rec, err := c.popBack()
	if err != nil {
		return err
	}
	sess.answerData(rec)
	return nil
}

func handlePopFront(sess *session, req *request, c *container, handle int) error {
	rec, err := c.popFront()
	if err != nil {
		return err
	}
	sess.answerData(rec)
	return nil
}

func handleClear(sess *session, req *request, c *container, handle int) error {
	c.clear()
	sess.answerOK()
	return nil
}

func handleGetCount(sess *session, req *request, c *container, handle int) error {
	sess.answerOK("count", strconv.Itoa(c.size()))
	return nil
}

func handleQuery(sess *session, req *request, c *container, handle int) error {
	start, _, err := req.intParam(1)
	if err != nil {
		return err
	}
	end, _, err := req.intParam(2)
	if err != nil {
		return err
	}

	records := c.records()
	from, to := normalizeRange(start, end, len(records))
	sess.answerQuery(records[from:to])
	return nil
}

func handleGetProperty(sess *session, req *request, c *container, handle int) error {
	key, ok := req.rec.Key.AsString()
	if !ok {
		return errBadKey
	}
	v, ok := c.props[key]
	if !ok {
		return errNotFound
	}
	sess.answerData(wire.Record{Key: req.rec.Key, Value: v})
	return nil
}

func handleSetProperty(sess *session, req *request, c *container, handle int) error {
	key, ok := req.rec.Key.AsString()
	if !ok {
		return errBadKey
	}
	c.props[key] = req.rec.Value
	sess.answerOK()
	return nil
}

func handleStartRecording(sess *session, req *request, c *container, handle int) error {
	dstHandle, ok, err := req.intParam(1)
	if err != nil || !ok {
		return errNoSuchHandle
	}
	dst, ok := sess.handles[dstHandle]
	if !ok {
		return errNoSuchHandle
	}
	if dst.isMap || dst == c {
		return errNotList
	}

	c.recorders = append(c.recorders, recorder{fn: func(name string, rec wire.Record) {
		change := listChange(c.name, len(dst.list), name, rec)
		_ = dst.pushBack(change.Value, change.Metadata)
	}})
	sess.answerOK()
	return nil
}

func handleSubscribe(sess *session, req *request, c *container, handle int) error {
	if c.subscribed(sess, handle) {
		return errAlreadySubscribed
	}

	start, hasStart, err := req.intParam(1)
	if err != nil {
		return err
	}
	end, hasEnd, err := req.intParam(2)
	if err != nil {
		return err
	}

	var startp, endp *int
	if hasStart {
		startp = &start
	}
	if hasEnd {
		endp = &end
	}

	sess.answerOK()
	c.subscribe(sess, handle, startp, endp)
	return nil
}

func handleUnsubscribe(sess *session, req *request, c *container, handle int) error {
	c.unsubscribe(sess, handle)
	sess.answerOK()
	return nil
}

func handleWaitNext(sess *session, req *request, c *container, handle int) error {
	if c.isMap {
		return errNotList
	}

	sess.answerOK()
	c.nextWaiters = append(c.nextWaiters, waiter{sess: sess, handle: handle})
	c.serveNextWaiters()
	return nil
}

func handleWaitKey(sess *session, req *request, c *container, handle int) error {
	if !c.isMap {
		return errNotMap
	}
	key, err := mapKey(req.rec.Key)
	if err != nil {
		return err
	}

	sess.answerOK()
	c.keyWaiters[key] = append(c.keyWaiters[key], waiter{sess: sess, handle: handle})
	if _, ok := c.m[key]; ok {
		c.serveKeyWaiters(key)
	}
	return nil
}

func handleDiffStart(sess *session, req *request, c *container, handle int) error {
	d := &diffSession{src: c, byKey: make(map[string]wire.Record)}

	sess.nextHandle++
	id := sess.nextHandle
	sess.diffs[id] = d

	sess.answerOK(d.kind(), strconv.Itoa(id))
	return nil
}

func handleDiff(sess *session, req *request) error {
	id, ok, err := req.intParam(0)
	if err != nil || !ok {
		return errNoSuchHandle
	}
	d, ok := sess.diffs[id]
	if !ok {
		return errNoSuchHandle
	}

	if !d.started {
		d.started = true
		d.src.recorders = append(d.src.recorders, recorder{owner: sess, fn: d.record})
		if !d.src.isMap {
			for _, rec := range d.src.records() {
				d.record("push_back", rec)
			}
		}
	}

	sess.answerQuery(d.take())
	return nil
}

func handleGroupAdd(sess *session, req *request) error {
	groupName, ok := req.param(0)
	if !ok {
		return errMissingParam
	}
	name, ok := req.param(1)
	if !ok {
		return errMissingParam
	}
	c, ok := sess.srv.containers[name]
	if !ok {
		return errNoSuchContainer
	}

	g := sess.srv.group(groupName)
	for _, m := range g.members {
		if m == c {
			sess.answerOK()
			return nil
		}
	}
	g.members = append(g.members, c)

	sess.answerOK()
	for _, gs := range g.subs {
		attachMember(g, gs, c)
	}
	return nil
}

func handleGroupSubscribe(sess *session, req *request) error {
	groupName, ok := req.param(0)
	if !ok {
		return errMissingParam
	}

	gs := groupSub{sess: sess}
	start, hasStart, err := req.intParam(1)
	if err != nil {
		return err
	}
	if hasStart {
		gs.start = &start
	}

	g := sess.srv.group(groupName)
	g.subs = append(g.subs, gs)

	sess.answerOK()
	for _, c := range g.members {
		attachMember(g, gs, c)
	}
	return nil
}

// attachMember opens c on the subscriber's session, announces it and
// subscribes to it.
func attachMember(g *group, gs groupSub, c *container) {
	h := gs.sess.open(c)
	gs.sess.frame(strings.Join([]string{wire.FrameTokenGroupContainer, g.name, c.name, c.typ, strconv.Itoa(h)}, wire.Space), nil)
	c.subscribe(gs.sess, h, gs.start, nil)
}

func handlePing(sess *session, req *request) error {
	sess.answerOK(append([]string{"pong"}, req.params...)...)
	return nil
}

func handlePause(sess *session, req *request) error {
	sess.srv.paused = true
	sess.answerOK()
	return nil
}

func handleResume(sess *session, req *request) error {
	sess.srv.paused = false
	sess.answerOK()
	return nil
}

func handleAuth(sess *session, req *request) error {
	// auth <user> clean <password>
	if len(req.params) != 3 || req.params[1] != "clean" {
		return errBadAuth
	}
	user, password := req.params[0], req.params[2]

	if len(sess.srv.users) > 0 && sess.srv.users[user] != password {
		return errBadAuth
	}
	sess.user = user
	sess.answerOK()
	return nil
}

func handleSetPermission(sess *session, req *request) error {
	// set_permission <objectType> <objectName> <command> allow|deny [user]
	if len(req.params) < 4 || len(req.params) > 5 {
		return errMissingParam
	}
	objectName, command, decision := req.params[1], req.params[2], req.params[3]
	if decision != "allow" && decision != "deny" {
		return errBadPermission
	}

	user := ""
	if len(req.params) == 5 {
		user = req.params[4]
	}
	sess.srv.perms[permKey{object: objectName, command: command, user: user}] = decision == "allow"
	sess.answerOK()
	return nil
}

func (s *Server) group(name string) *group {
	g, ok := s.groups[name]
	if !ok {
		g = &group{name: name}
		s.groups[name] = g
	}
	return g
}

// allowed checks the user rule first, then the rule for every user.
func (s *Server) allowed(object, command, user string) bool {
	if user != "" {
		if allow, ok := s.perms[permKey{object, command, user}]; ok {
			return allow
		}
	}
	if allow, ok := s.perms[permKey{object, command, ""}]; ok {
		return allow
	}
	return true
}

// detach removes a disconnected session from every container and group.
func (s *Server) detach(sess *session) {
	for _, c := range s.containers {
		c.forget(sess, 0)
	}
	for _, g := range s.groups {
		kept := g.subs[:0]
		for _, gs := range g.subs {
			if gs.sess != sess {
				kept = append(kept, gs)
			}
		}
		g.subs = kept
	}
}
