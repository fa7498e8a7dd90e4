package wire

// Protocol framing
const (
	CRLF  = "\r\n"
	Space = " "
)

// CmdType is the first token of a client command line.
type CmdType string

// Container commands
const (
	CmdCreate         CmdType = "create"
	CmdOpen           CmdType = "open"
	CmdClose          CmdType = "close"
	CmdGet            CmdType = "get"
	CmdSet            CmdType = "set"
	CmdInsert         CmdType = "insert"
	CmdDelete         CmdType = "delete"
	CmdPushBack       CmdType = "push_back"
	CmdPushFront      CmdType = "push_front"
	CmdPopBack        CmdType = "pop_back"
	CmdPopFront       CmdType = "pop_front"
	CmdClear          CmdType = "clear"
	CmdGetCount       CmdType = "get_count"
	CmdQuery          CmdType = "query"
	CmdGetProperty    CmdType = "get_property"
	CmdSetProperty    CmdType = "set_property"
	CmdStartRecording CmdType = "start_recording"
)

// Subscription and rendezvous commands
const (
	CmdSubscribe      CmdType = "subscribe"
	CmdUnsubscribe    CmdType = "unsubscribe"
	CmdWaitNext       CmdType = "wnp_next"
	CmdWaitKey        CmdType = "wnp_key"
	CmdDiffStart      CmdType = "diff_start"
	CmdDiff           CmdType = "diff"
	CmdGroupAdd       CmdType = "group_add"
	CmdGroupSubscribe CmdType = "group_subscribe"
)

// Server commands
const (
	CmdPing          CmdType = "ping"
	CmdPause         CmdType = "pause"
	CmdResume        CmdType = "resume"
	CmdAuth          CmdType = "auth"
	CmdSetPermission CmdType = "set_permission"
)

// TypeTag names the type of a payload field on the wire.
type TypeTag string

const (
	TagString TypeTag = "string"
	TagInt    TypeTag = "int"
	TagDouble TypeTag = "double"
)

// Payload field names, in wire order.
const (
	FieldKey      = "key"
	FieldValue    = "value"
	FieldMetadata = "metadata"
)

// First token of server frames.
const (
	FrameTokenAnswer         = "answer"
	FrameTokenEvent          = "event"
	FrameTokenQuery          = "query"
	FrameTokenGroupContainer = "group_container"
	FrameTokenDiffList       = "diff_list"
	FrameTokenDiffMap        = "diff_map"
)

// Answer payload selectors (third token of "answer ok ...").
const (
	answerOK       = "ok"
	answerPong     = "pong"
	answerHandle   = "handle"
	answerCount    = "count"
	answerName     = "name"
	answerData     = "data"
	answerQuery    = "query"
	queryItem      = "item"
	queryEnd       = "end"
	eventClear     = "clear"
	eventSnapshotE = "snapshot_end"
)

// Limits
const (
	// MaxBlockSize bounds a single payload block. Larger announced lengths
	// are treated as a protocol error rather than an allocation request.
	MaxBlockSize = 64 << 20

	// DefaultReadBufferSize is the initial size of the receive buffer.
	DefaultReadBufferSize = 4096
)

// MaxPooledBufferSize caps the command buffers kept for reuse.
const MaxPooledBufferSize = 64 << 10
