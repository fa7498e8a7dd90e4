package wire

import (
	"io"
	"strconv"
	"strings"

	"github.com/pior/tio/internal"
)

// Command is one client request line plus its optional payload fields.
type Command struct {
	Name     CmdType
	Params   []string
	Key      Value
	Value    Value
	Metadata Value
}

// NewCommand builds a command with plain string parameters.
func NewCommand(name CmdType, params ...string) *Command {
	return &Command{Name: name, Params: params}
}

// NewDataCommand builds a command addressed to handle carrying a record.
func NewDataCommand(name CmdType, handle int, key, value, metadata Value) *Command {
	return &Command{
		Name:     name,
		Params:   []string{strconv.Itoa(handle)},
		Key:      key,
		Value:    value,
		Metadata: metadata,
	}
}

// HasPayload reports whether any of key, value and metadata is present.
func (c *Command) HasPayload() bool {
	return !c.Key.IsNone() || !c.Value.IsNone() || !c.Metadata.IsNone()
}

// ValidateToken checks that s can travel as a space-separated header token.
func ValidateToken(s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return &InvalidTokenError{Token: s}
	}
	return nil
}

// Validate checks the command name and every parameter.
func (c *Command) Validate() error {
	if err := ValidateToken(string(c.Name)); err != nil {
		return err
	}
	for _, p := range c.Params {
		if err := ValidateToken(p); err != nil {
			return err
		}
	}
	return nil
}

// AppendCommand appends the wire form of cmd to dst.
// Format: <command>[ <param>]*[ <field> <type> <len>]*\r\n[<data>\r\n]*
func AppendCommand(dst []byte, cmd *Command) []byte {
	dst = append(dst, cmd.Name...)
	for _, p := range cmd.Params {
		dst = append(dst, ' ')
		dst = append(dst, p...)
	}

	if !cmd.HasPayload() {
		return append(dst, CRLF...)
	}

	var bodies [3]string
	n := 0
	for _, f := range [3]struct {
		name string
		v    Value
	}{{FieldKey, cmd.Key}, {FieldValue, cmd.Value}, {FieldMetadata, cmd.Metadata}} {
		data, tag, ok := EncodeValue(f.v)
		if !ok {
			continue
		}
		dst = append(dst, ' ')
		dst = append(dst, f.name...)
		dst = append(dst, ' ')
		dst = append(dst, tag...)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(data)), 10)
		bodies[n] = data
		n++
	}
	dst = append(dst, CRLF...)

	for _, body := range bodies[:n] {
		dst = append(dst, body...)
		dst = append(dst, CRLF...)
	}
	return dst
}

var commandBuffers = internal.NewBufferPool(256, MaxPooledBufferSize)

// WriteCommand validates cmd and writes it to w with a single Write call.
func WriteCommand(w io.Writer, cmd *Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	buf := commandBuffers.Get()
	defer commandBuffers.Put(buf)

	buf.Write(AppendCommand(buf.AvailableBuffer(), cmd))
	_, err := w.Write(buf.Bytes())
	if err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}
