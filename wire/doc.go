// Package wire implements the line-oriented wire protocol spoken by tio
// servers.
//
// The package is a pure codec: it serializes commands, reads and classifies
// server frames and packs typed fields into X1 strings. It holds no
// connection state and makes no decisions about routing or dispatch, so it
// can serve as the foundation for different client designs.
//
// # Protocol
//
// Every frame starts with a CRLF-terminated ASCII header line whose tokens
// are separated by single spaces. Typed payload fields are announced in the
// header as "<field> <type> <length>" triples and follow the header as raw
// byte blocks, each terminated by CRLF (the CRLF is not counted in length):
//
//	push_back 3 value string 5\r\n
//	hello\r\n
//
// Field names are key, value and metadata, always in that order. Type tags
// are string, int and double. Absent fields are omitted entirely.
//
// The server sends five kinds of frames:
//
//	answer ok [<payload>]
//	answer <code> <message>
//	event <handle> <name> [<fields>]
//	query <id> item [<fields>] | query <id> end
//	group_container <group> <name> <type> <handle>
//
// # Writing and reading
//
// WriteCommand serializes a Command in a single write:
//
//	cmd := wire.NewDataCommand(wire.CmdPushBack, 3, wire.None(), wire.StringValue("hello"), wire.None())
//	err := wire.WriteCommand(conn, cmd)
//
// ReadFrame reads exactly one frame, including its payload blocks:
//
//	r := wire.NewReader(conn, 0)
//	frame, err := wire.ReadFrame(r)
//	if err != nil {
//	    if wire.ShouldCloseConnection(err) {
//	        conn.Close()
//	    }
//	    return err
//	}
//
// # Error Handling
//
// Errors carry the connection state they imply:
//
//   - ServerError: the server rejected one command, connection can be REUSED
//   - ProtocolError: unexpected token, type tag or frame shape, CLOSE connection
//   - ConnectionError: network/I/O failure, connection already broken
//   - InvalidTokenError: rejected client-side before sending, connection is fine
//
// Use ShouldCloseConnection to pick the handling strategy.
//
// # X1 framing
//
// EncodeX1 and DecodeX1 implement the compact self-describing format used
// to pack several typed fields into one string value (diff records, log
// publications):
//
//	X1 0003 C 0002I 000aS 0000X ' ' "12 abcdefghij "
//
// Counts and lengths are 4 hex digits: EncodeX1 returns ErrX1TooLarge past
// X1MaxLength.
//
// # Thread Safety
//
// Command, Frame and Answer values are plain data. A Reader must only be
// used by one goroutine at a time.
package wire
