package tio

import "github.com/pior/tio/wire"

// EventKind is the closed set of event names a server emits.
type EventKind uint8

const (
	// EventAny is the wildcard filter. It is never the kind of a received event.
	EventAny EventKind = iota
	EventPushBack
	EventPushFront
	EventPopBack
	EventPopFront
	EventInsert
	EventDelete
	EventSet
	EventClear
	EventSnapshotEnd
	EventGroupContainer
	EventWaitNext
	EventWaitKey
)

var eventNames = [...]string{
	EventAny:            "*",
	EventPushBack:       "push_back",
	EventPushFront:      "push_front",
	EventPopBack:        "pop_back",
	EventPopFront:       "pop_front",
	EventInsert:         "insert",
	EventDelete:         "delete",
	EventSet:            "set",
	EventClear:          "clear",
	EventSnapshotEnd:    "snapshot_end",
	EventGroupContainer: "group_container",
	EventWaitNext:       "wnp_next",
	EventWaitKey:        "wnp_key",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// ParseEventKind maps a wire event name to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range eventNames {
		if k != int(EventAny) && n == name {
			return EventKind(k), true
		}
	}
	return EventAny, false
}

// Event is one change notification for a container.
//
// For EventGroupContainer, Key holds the group name, Value the member
// name and Metadata the member type.
type Event struct {
	Handle int
	Kind   EventKind
	wire.Record
}

// Sink receives dispatched events.
type Sink func(c *Container, ev Event)

// PopFunc receives the item of a wait-and-pop, or the error that cancelled it.
// It is called exactly once.
type PopFunc func(c *Container, ev Event, err error)
