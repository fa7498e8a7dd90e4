package tio

import (
	"fmt"

	"github.com/pior/tio/wire"
)

// ListChange is one entry of a list diff or recording.
type ListChange struct {
	Event    EventKind
	Key      wire.Value
	Value    wire.Value
	Metadata wire.Value
	Source   string // name of the recorded container
}

// DecodeListChange unpacks a record produced by a list diff session or by
// StartRecording: the value is X1(event, key, value, metadata) and the
// metadata names the source container.
func DecodeListChange(r wire.Record) (ListChange, error) {
	s, ok := r.Value.AsString()
	if !ok {
		return ListChange{}, &wire.ProtocolError{Message: "list change value is not a string"}
	}

	fields, err := wire.DecodeX1(s)
	if err != nil {
		return ListChange{}, err
	}
	if len(fields) != 4 {
		return ListChange{}, &wire.ProtocolError{Message: fmt.Sprintf("list change has %d fields, want 4", len(fields))}
	}

	name, _ := fields[0].AsString()
	kind, ok := ParseEventKind(name)
	if !ok {
		return ListChange{}, &wire.ProtocolError{Message: "list change with unknown event " + name}
	}

	source, _ := r.Metadata.AsString()
	return ListChange{Event: kind, Key: fields[1], Value: fields[2], Metadata: fields[3], Source: source}, nil
}

// mapClearKey marks a clear in map diffs. Clients cannot create keys
// starting with "__".
const mapClearKey = "__special__"

// MapChange is one entry of a map diff.
type MapChange struct {
	Event    EventKind
	Key      wire.Value
	Value    wire.Value
	Metadata wire.Value
}

// DecodeMapChange unpacks a record produced by a map diff session: the key
// is the changed key, the value is X1(value, metadata) and the metadata is
// the event name. Deleted keys are not reported; a clear is reported as a
// single EventClear change.
func DecodeMapChange(r wire.Record) (MapChange, error) {
	if k, _ := r.Key.AsString(); k == mapClearKey {
		return MapChange{Event: EventClear}, nil
	}

	name, _ := r.Metadata.AsString()
	kind, ok := ParseEventKind(name)
	if !ok {
		return MapChange{}, &wire.ProtocolError{Message: "map change with unknown event " + name}
	}

	s, ok := r.Value.AsString()
	if !ok {
		return MapChange{}, &wire.ProtocolError{Message: "map change value is not a string"}
	}
	fields, err := wire.DecodeX1(s)
	if err != nil {
		return MapChange{}, err
	}
	if len(fields) != 2 {
		return MapChange{}, &wire.ProtocolError{Message: fmt.Sprintf("map change has %d fields, want 2", len(fields))}
	}

	return MapChange{Event: kind, Key: r.Key, Value: fields[0], Metadata: fields[1]}, nil
}
