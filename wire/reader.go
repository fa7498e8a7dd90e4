package wire

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

var crlfBytes = []byte(CRLF)

// Reader provides the two blocking primitives the decoder is built on:
// consume one CRLF-terminated line and consume an exact-length block.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r with a receive buffer of the given initial size.
// Lines longer than the buffer are still read whole.
func NewReader(r io.Reader, size int) *Reader {
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &Reader{br: bufio.NewReaderSize(r, size)}
}

// ReadLine consumes the next line and returns it without its line terminator.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		head := append([]byte(nil), line...)
		var rest []byte
		rest, err = r.br.ReadBytes('\n')
		line = append(head, rest...)
	}
	if err != nil {
		return "", &ConnectionError{Op: "read", Err: err}
	}

	line = bytes.TrimSuffix(line, crlfBytes)
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return string(line), nil
}

// ReadBlock consumes exactly n bytes followed by CRLF and returns the n bytes.
func (r *Reader) ReadBlock(n int) ([]byte, error) {
	if n < 0 || n > MaxBlockSize {
		return nil, &ProtocolError{Message: "invalid block size " + strconv.Itoa(n)}
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	if !bytes.Equal(buf[n:], crlfBytes) {
		return nil, &ProtocolError{Message: "block not terminated by CRLF"}
	}
	return buf[:n], nil
}

// WaitReadable blocks until at least one byte is buffered without consuming it.
// A read deadline on the underlying connection bounds the wait; when it fires
// nothing has been consumed and the Reader stays usable.
func (r *Reader) WaitReadable() error {
	if r.br.Buffered() > 0 {
		return nil
	}
	if _, err := r.br.Peek(1); err != nil {
		return &ConnectionError{Op: "read", Err: err}
	}
	return nil
}

// Buffered returns the number of bytes that can be read without blocking.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}
