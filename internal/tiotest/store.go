package tiotest

import (
	"errors"
	"slices"
	"strings"

	"github.com/pior/tio/wire"
)

const defaultType = "volatile_list"

var (
	errNoSuchContainer   = errors.New("no such container")
	errNoSuchHandle      = errors.New("invalid handle")
	errNotFound          = errors.New("key not found")
	errEmpty             = errors.New("empty container")
	errKeyExists         = errors.New("key already exists")
	errNotList           = errors.New("not a list")
	errNotMap            = errors.New("not a map")
	errIndexRange        = errors.New("index out of range")
	errBadKey            = errors.New("invalid key")
	errMissingParam      = errors.New("missing parameter")
	errTypeMismatch      = errors.New("container type mismatch")
	errAccessDenied      = errors.New("access denied")
	errAlreadySubscribed = errors.New("already subscribed")
	errBadAuth           = errors.New("authentication failed")
	errBadPermission     = errors.New("permission must be allow or deny")
)

type entry struct {
	value    wire.Value
	metadata wire.Value
}

type mapEntry struct {
	key wire.Value
	entry
}

type subscription struct {
	sess   *session
	handle int
	sliced bool
	start  int
	end    int // inclusive
}

func (sub *subscription) accepts(name string, key wire.Value) bool {
	if !sub.sliced {
		return true
	}
	idx, ok := key.AsInt()
	if !ok {
		return name == "clear"
	}
	return int(idx) >= sub.start && int(idx) <= sub.end
}

type waiter struct {
	sess   *session
	handle int
}

type recorder struct {
	owner *session // nil for recordings, which outlive their session
	fn    func(name string, rec wire.Record)
}

type container struct {
	name  string
	typ   string
	isMap bool

	list []entry
	m    map[string]mapEntry

	props map[string]wire.Value

	subs        []*subscription
	nextWaiters []waiter
	keyWaiters  map[string][]waiter
	recorders   []recorder
}

func newContainer(name, typ string) *container {
	return &container{
		name:       name,
		typ:        typ,
		isMap:      strings.Contains(typ, "map"),
		m:          make(map[string]mapEntry),
		props:      make(map[string]wire.Value),
		keyWaiters: make(map[string][]waiter),
	}
}

func (c *container) size() int {
	if c.isMap {
		return len(c.m)
	}
	return len(c.list)
}

func (c *container) sortedKeys() []string {
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// records returns every record in container order: by index for lists and
// by key for maps.
func (c *container) records() []wire.Record {
	if c.isMap {
		keys := c.sortedKeys()
		records := make([]wire.Record, len(keys))
		for i, k := range keys {
			e := c.m[k]
			records[i] = wire.Record{Key: e.key, Value: e.value, Metadata: e.metadata}
		}
		return records
	}

	records := make([]wire.Record, len(c.list))
	for i, e := range c.list {
		records[i] = wire.Record{Key: wire.IntValue(int64(i)), Value: e.value, Metadata: e.metadata}
	}
	return records
}

// index resolves a list key, negative values addressing from the end.
func (c *container) index(key wire.Value) (int, error) {
	n, ok := key.AsInt()
	if !ok {
		return 0, errBadKey
	}
	i := int(n)
	if i < 0 {
		i += len(c.list)
	}
	if i < 0 || i >= len(c.list) {
		return 0, errIndexRange
	}
	return i, nil
}

func mapKey(key wire.Value) (string, error) {
	if key.IsNone() {
		return "", errBadKey
	}
	return key.String(), nil
}

// notify sends an event to every subscriber and recorder.
func (c *container) notify(name string, rec wire.Record) {
	for _, sub := range c.subs {
		if sub.accepts(name, rec.Key) {
			sub.sess.event(sub.handle, name, rec)
		}
	}
	for _, r := range c.recorders {
		r.fn(name, rec)
	}
}

func (c *container) get(key wire.Value) (wire.Record, error) {
	if c.isMap {
		k, err := mapKey(key)
		if err != nil {
			return wire.Record{}, err
		}
		e, ok := c.m[k]
		if !ok {
			return wire.Record{}, errNotFound
		}
		return wire.Record{Key: e.key, Value: e.value, Metadata: e.metadata}, nil
	}

	i, err := c.index(key)
	if err != nil {
		return wire.Record{}, err
	}
	e := c.list[i]
	return wire.Record{Key: wire.IntValue(int64(i)), Value: e.value, Metadata: e.metadata}, nil
}

func (c *container) pushBack(value, metadata wire.Value) error {
	if c.isMap {
		return errNotList
	}
	c.list = append(c.list, entry{value, metadata})
	c.notify("push_back", wire.Record{Key: wire.IntValue(int64(len(c.list) - 1)), Value: value, Metadata: metadata})
	c.serveNextWaiters()
	return nil
}

func (c *container) pushFront(value, metadata wire.Value) error {
	if c.isMap {
		return errNotList
	}
	c.list = slices.Insert(c.list, 0, entry{value, metadata})
	c.notify("push_front", wire.Record{Key: wire.IntValue(0), Value: value, Metadata: metadata})
	c.serveNextWaiters()
	return nil
}

func (c *container) popBack() (wire.Record, error) {
	if c.isMap {
		return wire.Record{}, errNotList
	}
	if len(c.list) == 0 {
		return wire.Record{}, errEmpty
	}
	i := len(c.list) - 1
	e := c.list[i]
	c.list = c.list[:i]

	rec := wire.Record{Key: wire.IntValue(int64(i)), Value: e.value, Metadata: e.metadata}
	c.notify("pop_back", rec)
	return rec, nil
}

func (c *container) popFront() (wire.Record, error) {
	if c.isMap {
		return wire.Record{}, errNotList
	}
	if len(c.list) == 0 {
		return wire.Record{}, errEmpty
	}
	e := c.list[0]
	c.list = slices.Delete(c.list, 0, 1)

	rec := wire.Record{Key: wire.IntValue(0), Value: e.value, Metadata: e.metadata}
	c.notify("pop_front", rec)
	return rec, nil
}

func (c *container) set(key, value, metadata wire.Value) error {
	if c.isMap {
		k, err := mapKey(key)
		if err != nil {
			return err
		}
		c.m[k] = mapEntry{key, entry{value, metadata}}
		c.notify("set", wire.Record{Key: key, Value: value, Metadata: metadata})
		c.serveKeyWaiters(k)
		return nil
	}

	i, err := c.index(key)
	if err != nil {
		return err
	}
	c.list[i] = entry{value, metadata}
	c.notify("set", wire.Record{Key: wire.IntValue(int64(i)), Value: value, Metadata: metadata})
	return nil
}

func (c *container) insert(key, value, metadata wire.Value) error {
	if c.isMap {
		k, err := mapKey(key)
		if err != nil {
			return err
		}
		if _, ok := c.m[k]; ok {
			return errKeyExists
		}
		c.m[k] = mapEntry{key, entry{value, metadata}}
		c.notify("insert", wire.Record{Key: key, Value: value, Metadata: metadata})
		c.serveKeyWaiters(k)
		return nil
	}

	n, ok := key.AsInt()
	if !ok {
		return errBadKey
	}
	i := int(n)
	if i < 0 {
		i += len(c.list)
	}
	if i < 0 || i > len(c.list) {
		return errIndexRange
	}
	c.list = slices.Insert(c.list, i, entry{value, metadata})
	c.notify("insert", wire.Record{Key: wire.IntValue(int64(i)), Value: value, Metadata: metadata})
	c.serveNextWaiters()
	return nil
}

func (c *container) delete(key wire.Value) error {
	if c.isMap {
		k, err := mapKey(key)
		if err != nil {
			return err
		}
		e, ok := c.m[k]
		if !ok {
			return errNotFound
		}
		delete(c.m, k)
		c.notify("delete", wire.Record{Key: e.key, Value: e.value, Metadata: e.metadata})
		return nil
	}

	i, err := c.index(key)
	if err != nil {
		return err
	}
	e := c.list[i]
	c.list = slices.Delete(c.list, i, i+1)
	c.notify("delete", wire.Record{Key: wire.IntValue(int64(i)), Value: e.value, Metadata: e.metadata})
	return nil
}

func (c *container) clear() {
	c.list = nil
	clear(c.m)
	c.notify("clear", wire.Record{})
}

// serveNextWaiters hands list heads to wnp_next waiters, oldest first.
func (c *container) serveNextWaiters() {
	for len(c.nextWaiters) > 0 && len(c.list) > 0 {
		w := c.nextWaiters[0]
		c.nextWaiters = c.nextWaiters[1:]

		rec, _ := c.popFront()
		w.sess.event(w.handle, "wnp_next", rec)
	}
}

// serveKeyWaiters hands the value of key to its oldest wnp_key waiter.
func (c *container) serveKeyWaiters(k string) {
	waiters := c.keyWaiters[k]
	if len(waiters) == 0 {
		return
	}
	w := waiters[0]
	if len(waiters) == 1 {
		delete(c.keyWaiters, k)
	} else {
		c.keyWaiters[k] = waiters[1:]
	}

	e := c.m[k]
	rec := wire.Record{Key: e.key, Value: e.value, Metadata: e.metadata}
	delete(c.m, k)
	c.notify("delete", rec)
	w.sess.event(w.handle, "wnp_key", rec)
}

// normalizeRange applies the server's query rules: negative indexes address
// from the end, bounds are clamped, end is exclusive and an end of 0 means
// the end of the container.
func normalizeRange(start, end, size int) (int, int) {
	norm := func(i int) int {
		if i < 0 {
			i += size
		}
		return min(max(i, 0), size)
	}

	start = norm(start)
	if end == 0 {
		end = size
	} else {
		end = norm(end)
	}
	if start > end {
		start = end
	}
	return start, end
}

// subscribe adds a subscription and, when start is given, sends the
// current records from start followed by snapshot_end.
func (c *container) subscribe(sess *session, handle int, start, end *int) {
	sub := &subscription{sess: sess, handle: handle}

	if end != nil {
		s := 0
		if start != nil {
			s = *start
		}
		if s < 0 {
			s = max(s+c.size(), 0)
		}
		e := *end
		if e < 0 {
			e += c.size()
		}
		sub.sliced, sub.start, sub.end = true, s, e
	}

	if start != nil {
		records := c.records()
		from, _ := normalizeRange(*start, 0, len(records))

		event := "push_back"
		if c.isMap {
			event, from = "set", 0
		}
		for _, rec := range records[from:] {
			if sub.accepts(event, rec.Key) {
				sess.event(handle, event, rec)
			}
		}
		sess.event(handle, "snapshot_end", wire.Record{})
	}

	c.subs = append(c.subs, sub)
}

func (c *container) unsubscribe(sess *session, handle int) bool {
	n := len(c.subs)
	c.subs = slices.DeleteFunc(c.subs, func(sub *subscription) bool {
		return sub.sess == sess && sub.handle == handle
	})
	return len(c.subs) != n
}

func (c *container) subscribed(sess *session, handle int) bool {
	return slices.ContainsFunc(c.subs, func(sub *subscription) bool {
		return sub.sess == sess && sub.handle == handle
	})
}

// forget drops everything a session registered on the container, or only
// what it registered through handle when handle is not 0.
func (c *container) forget(sess *session, handle int) {
	match := func(s *session, h int) bool {
		return s == sess && (handle == 0 || h == handle)
	}

	c.subs = slices.DeleteFunc(c.subs, func(sub *subscription) bool { return match(sub.sess, sub.handle) })
	c.nextWaiters = slices.DeleteFunc(c.nextWaiters, func(w waiter) bool { return match(w.sess, w.handle) })
	for k, waiters := range c.keyWaiters {
		waiters = slices.DeleteFunc(waiters, func(w waiter) bool { return match(w.sess, w.handle) })
		if len(waiters) == 0 {
			delete(c.keyWaiters, k)
		} else {
			c.keyWaiters[k] = waiters
		}
	}
	if handle == 0 {
		c.recorders = slices.DeleteFunc(c.recorders, func(r recorder) bool { return r.owner == sess })
	}
}

// diffSession accumulates the changes of a container between diff calls.
type diffSession struct {
	src     *container
	started bool

	changes []wire.Record // lists

	keys    []string // maps, in first-change order
	byKey   map[string]wire.Record
	cleared bool
}

func (d *diffSession) kind() string {
	if d.src.isMap {
		return wire.FrameTokenDiffMap
	}
	return wire.FrameTokenDiffList
}

func (d *diffSession) record(name string, rec wire.Record) {
	if !d.src.isMap {
		d.changes = append(d.changes, listChange(d.src.name, len(d.changes), name, rec))
		return
	}

	switch name {
	case "clear":
		d.keys, d.cleared = nil, true
		clear(d.byKey)
	case "delete":
		k := rec.Key.String()
		delete(d.byKey, k)
		d.keys = slices.DeleteFunc(d.keys, func(s string) bool { return s == k })
	default:
		k := rec.Key.String()
		if _, ok := d.byKey[k]; !ok {
			d.keys = append(d.keys, k)
		}
		d.byKey[k] = wire.Record{
			Key:      rec.Key,
			Value:    x1Value(rec.Value, rec.Metadata),
			Metadata: wire.StringValue(name),
		}
	}
}

// take returns the accumulated changes and starts a new accumulation.
func (d *diffSession) take() []wire.Record {
	if !d.src.isMap {
		changes := d.changes
		d.changes = nil
		return changes
	}

	var changes []wire.Record
	if d.cleared {
		changes = append(changes, wire.Record{Key: wire.StringValue("__special__"), Value: wire.StringValue("clear")})
	}
	for _, k := range d.keys {
		changes = append(changes, d.byKey[k])
	}
	d.keys, d.cleared = nil, false
	clear(d.byKey)
	return changes
}

// x1Value packs values for a diff record. Values past the X1 limits are
// recorded as None.
func x1Value(values ...wire.Value) wire.Value {
	s, err := wire.EncodeX1(values)
	if err != nil {
		return wire.None()
	}
	return wire.StringValue(s)
}

// listChange is the record a list diff or a recording stores for one event.
func listChange(source string, index int, name string, rec wire.Record) wire.Record {
	return wire.Record{
		Key:      wire.IntValue(int64(index)),
		Value:    x1Value(wire.StringValue(name), rec.Key, rec.Value, rec.Metadata),
		Metadata: wire.StringValue(source),
	}
}

type groupSub struct {
	sess  *session
	start *int
}

type group struct {
	name    string
	members []*container
	subs    []groupSub
}

type permKey struct {
	object  string
	command string
	user    string
}
