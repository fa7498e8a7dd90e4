package wire

import (
	"strconv"
	"strings"
)

// FrameKind classifies a server frame by its first token.
type FrameKind uint8

const (
	FrameAnswer FrameKind = iota + 1
	FrameEvent
	FrameQueryItem
	FrameQueryEnd
	FrameGroupContainer
)

func (k FrameKind) String() string {
	switch k {
	case FrameAnswer:
		return "answer"
	case FrameEvent:
		return "event"
	case FrameQueryItem:
		return "query_item"
	case FrameQueryEnd:
		return "query_end"
	case FrameGroupContainer:
		return "group_container"
	default:
		return "frame(" + strconv.Itoa(int(k)) + ")"
	}
}

// Record is a (key, value, metadata) triple. Absent fields are None.
type Record struct {
	Key      Value
	Value    Value
	Metadata Value
}

// AnswerKind selects the payload carried by an Answer.
type AnswerKind uint8

const (
	AnswerOK AnswerKind = iota
	AnswerHandle
	AnswerCount
	AnswerName
	AnswerDiff
	AnswerData
	AnswerPong
	AnswerQuery
)

// Answer is the reply to exactly one command.
// Err is set for "answer <code> <message>" frames and nothing else is.
type Answer struct {
	Kind AnswerKind

	Handle int    // AnswerHandle
	Type   string // AnswerHandle

	Count int    // AnswerCount
	Name  string // AnswerName

	DiffHandle int    // AnswerDiff
	DiffKind   string // AnswerDiff: diff_list or diff_map

	Record Record // AnswerData
	Pong   string // AnswerPong

	QueryID int      // AnswerQuery
	Records []Record // AnswerQuery, filled once the result set ends

	Err *ServerError
}

// Frame is one decoded server frame.
type Frame struct {
	Kind FrameKind

	Answer *Answer // FrameAnswer

	Handle int    // FrameEvent, FrameGroupContainer
	Event  string // FrameEvent
	Record Record // FrameEvent, FrameQueryItem

	QueryID int // FrameQueryItem, FrameQueryEnd

	Group string // FrameGroupContainer
	Name  string // FrameGroupContainer
	Type  string // FrameGroupContainer
}

// EventHasPayload reports whether events named name carry field triples.
func EventHasPayload(name string) bool {
	return name != eventClear && name != eventSnapshotE
}

// ReadFrame reads and classifies exactly one frame, payload blocks included.
//
// Answer frames with a non-ok status are returned as a Frame whose
// Answer.Err is set; the returned error is reserved for I/O and
// protocol failures, which leave the stream unusable.
func ReadFrame(r *Reader) (*Frame, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	tokens := strings.Split(line, Space)

	switch tokens[0] {
	case FrameTokenAnswer:
		answer, err := parseAnswer(r, line, tokens)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameAnswer, Answer: answer}, nil

	case FrameTokenEvent:
		return parseEvent(r, tokens)

	case FrameTokenQuery:
		return parseQueryFrame(r, tokens)

	case FrameTokenGroupContainer:
		// group_container <group> <name> <type> <handle>
		if len(tokens) != 5 {
			return nil, &ProtocolError{Message: "malformed group_container: " + line}
		}
		h, err := parseInt(tokens[4], "group_container handle")
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameGroupContainer, Group: tokens[1], Name: tokens[2], Type: tokens[3], Handle: h}, nil

	case FrameTokenDiffList, FrameTokenDiffMap:
		// Legacy diff_start reply without the "answer ok" prefix.
		if len(tokens) < 2 {
			return nil, &ProtocolError{Message: "malformed diff answer: " + line}
		}
		h, err := parseInt(tokens[1], "diff handle")
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameAnswer, Answer: &Answer{Kind: AnswerDiff, DiffHandle: h, DiffKind: tokens[0]}}, nil

	default:
		return nil, &ProtocolError{Message: "unknown frame: " + line}
	}
}

func parseAnswer(r *Reader, line string, tokens []string) (*Answer, error) {
	if len(tokens) < 2 {
		return nil, &ProtocolError{Message: "malformed answer: " + line}
	}

	if tokens[1] != answerOK {
		msg := ""
		if len(tokens) > 2 {
			msg = strings.Join(tokens[2:], Space)
		}
		return &Answer{Err: &ServerError{Code: tokens[1], Message: msg}}, nil
	}

	// "answer ok" and "answer ok " are both a plain ok
	if len(tokens) < 3 || tokens[2] == "" {
		return &Answer{Kind: AnswerOK}, nil
	}

	args := tokens[3:]
	switch tokens[2] {
	case answerPong:
		return &Answer{Kind: AnswerPong, Pong: strings.Join(args, Space)}, nil

	case answerHandle:
		if len(args) < 1 {
			return nil, &ProtocolError{Message: "answer handle without handle: " + line}
		}
		h, err := parseInt(args[0], "handle")
		if err != nil {
			return nil, err
		}
		a := &Answer{Kind: AnswerHandle, Handle: h}
		if len(args) > 1 {
			a.Type = args[1]
		}
		return a, nil

	case answerCount:
		if len(args) < 1 {
			return nil, &ProtocolError{Message: "answer count without count: " + line}
		}
		n, err := parseInt(args[0], "count")
		if err != nil {
			return nil, err
		}
		return &Answer{Kind: AnswerCount, Count: n}, nil

	case answerName:
		if len(args) < 1 {
			return nil, &ProtocolError{Message: "answer name without name: " + line}
		}
		return &Answer{Kind: AnswerName, Name: args[0]}, nil

	case FrameTokenDiffList, FrameTokenDiffMap:
		if len(args) < 1 {
			return nil, &ProtocolError{Message: "diff answer without handle: " + line}
		}
		h, err := parseInt(args[0], "diff handle")
		if err != nil {
			return nil, err
		}
		return &Answer{Kind: AnswerDiff, DiffHandle: h, DiffKind: tokens[2]}, nil

	case answerData:
		rec, err := ReadFields(r, args)
		if err != nil {
			return nil, err
		}
		return &Answer{Kind: AnswerData, Record: rec}, nil

	case answerQuery:
		if len(args) < 1 {
			return nil, &ProtocolError{Message: "answer query without id: " + line}
		}
		id, err := parseInt(args[0], "query id")
		if err != nil {
			return nil, err
		}
		return &Answer{Kind: AnswerQuery, QueryID: id}, nil

	default:
		return nil, &ProtocolError{Message: "unknown answer parameter type " + strconv.Quote(tokens[2])}
	}
}

func parseEvent(r *Reader, tokens []string) (*Frame, error) {
	// event <handle> <name> [<field> <type> <len>]*
	if len(tokens) < 3 {
		return nil, &ProtocolError{Message: "malformed event: " + strings.Join(tokens, Space)}
	}
	h, err := parseInt(tokens[1], "event handle")
	if err != nil {
		return nil, err
	}

	f := &Frame{Kind: FrameEvent, Handle: h, Event: tokens[2]}
	if EventHasPayload(f.Event) {
		f.Record, err = ReadFields(r, tokens[3:])
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseQueryFrame(r *Reader, tokens []string) (*Frame, error) {
	// query <id> item [fields] | query <id> end
	if len(tokens) < 3 {
		return nil, &ProtocolError{Message: "malformed query frame: " + strings.Join(tokens, Space)}
	}
	id, err := parseInt(tokens[1], "query id")
	if err != nil {
		return nil, err
	}

	switch tokens[2] {
	case queryItem:
		rec, err := ReadFields(r, tokens[3:])
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameQueryItem, QueryID: id, Record: rec}, nil
	case queryEnd:
		return &Frame{Kind: FrameQueryEnd, QueryID: id}, nil
	default:
		return nil, &ProtocolError{Message: "unknown query frame " + strconv.Quote(tokens[2])}
	}
}

// ReadFields consumes the payload blocks announced by spec, a flat list of
// "<field> <type> <len>" triples, and returns them as a Record.
func ReadFields(r *Reader, spec []string) (Record, error) {
	var rec Record

	if len(spec)%3 != 0 {
		return rec, &ProtocolError{Message: "field spec is not a list of triples: " + strings.Join(spec, Space)}
	}

	for i := 0; i < len(spec); i += 3 {
		name, tag := spec[i], TypeTag(spec[i+1])
		size, err := parseInt(spec[i+2], "field length")
		if err != nil {
			return rec, err
		}

		block, err := r.ReadBlock(size)
		if err != nil {
			return rec, err
		}

		v, err := DecodeValue(tag, block)
		if err != nil {
			return rec, err
		}

		switch name {
		case FieldKey:
			rec.Key = v
		case FieldValue:
			rec.Value = v
		case FieldMetadata:
			rec.Metadata = v
		default:
			return rec, &ProtocolError{Message: "unknown field " + strconv.Quote(name)}
		}
	}

	return rec, nil
}

func parseInt(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ProtocolError{Message: "invalid " + what, Err: err}
	}
	return n, nil
}
