package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// X1 layout: "X1" + 4 hex digits field count + "C", then 5 bytes per field
// (4 hex digits length + type letter), one space, then every non-null field
// followed by one space.
const (
	x1Magic      = "X1"
	x1SpecSize   = 5
	x1HeaderSize = len(x1Magic) + x1SpecSize

	// X1MaxLength bounds both the field count and each field length: they are
	// written as 4 hex digits.
	X1MaxLength = 0xffff
)

// ErrX1TooLarge is returned by EncodeX1 when a count or length does not fit
// the header.
var ErrX1TooLarge = errors.New("x1: too large")

func x1Letter(k Kind) byte {
	switch k {
	case KindString:
		return 'S'
	case KindInt:
		return 'I'
	case KindDecimal:
		return 'D'
	default:
		return 'X'
	}
}

// EncodeX1 packs values into a single X1 string.
func EncodeX1(values []Value) (string, error) {
	if len(values) > X1MaxLength {
		return "", fmt.Errorf("%w: %d fields", ErrX1TooLarge, len(values))
	}

	var header, body strings.Builder

	header.Grow(x1HeaderSize + len(values)*x1SpecSize + 1)
	header.WriteString(x1Magic)
	fmt.Fprintf(&header, "%04xC", len(values))

	for i, v := range values {
		data, _, ok := EncodeValue(v)
		if !ok {
			header.WriteString("0000X")
			continue
		}
		if len(data) > X1MaxLength {
			return "", fmt.Errorf("%w: field %d is %d bytes", ErrX1TooLarge, i, len(data))
		}
		fmt.Fprintf(&header, "%04x%c", len(data), x1Letter(v.Kind()))
		body.WriteString(data)
		body.WriteByte(' ')
	}

	header.WriteByte(' ')
	header.WriteString(body.String())
	return header.String(), nil
}

// MustEncodeX1 is EncodeX1 for values known to fit. It panics otherwise.
func MustEncodeX1(values []Value) string {
	s, err := EncodeX1(values)
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeX1 unpacks an X1 string. Input not starting with "X1", short or
// non-hex headers, unknown type letters and lengths running past the end
// are rejected with a ProtocolError.
func DecodeX1(s string) ([]Value, error) {
	if !strings.HasPrefix(s, x1Magic) {
		return nil, &ProtocolError{Message: "x1: missing X1 prefix"}
	}
	if len(s) < x1HeaderSize || s[x1HeaderSize-1] != 'C' {
		return nil, &ProtocolError{Message: "x1: malformed field count"}
	}

	count, err := parseHex(s[len(x1Magic) : len(x1Magic)+4])
	if err != nil {
		return nil, err
	}

	offset := x1HeaderSize + count*x1SpecSize + 1
	if offset > len(s) {
		return nil, &ProtocolError{Message: "x1: truncated header"}
	}

	values := make([]Value, 0, count)
	for i := range count {
		spec := s[x1HeaderSize+i*x1SpecSize : x1HeaderSize+(i+1)*x1SpecSize]
		size, err := parseHex(spec[:4])
		if err != nil {
			return nil, err
		}

		letter := spec[4]
		if letter == 'X' {
			values = append(values, None())
			continue
		}

		if offset+size > len(s) {
			return nil, &ProtocolError{Message: fmt.Sprintf("x1: field %d runs past end of input", i)}
		}
		data := s[offset : offset+size]
		// skip the separator; the last one may be missing
		offset += size + 1

		var v Value
		switch letter {
		case 'S':
			v = StringValue(data)
		case 'I':
			n, err := strconv.ParseInt(data, 10, 64)
			if err != nil {
				return nil, &ProtocolError{Message: "x1: invalid int field", Err: err}
			}
			v = IntValue(n)
		case 'D':
			d, err := decimal.NewFromString(data)
			if err != nil {
				return nil, &ProtocolError{Message: "x1: invalid decimal field", Err: err}
			}
			v = DecimalValue(d)
		default:
			return nil, &ProtocolError{Message: fmt.Sprintf("x1: unknown type letter %q", letter)}
		}
		values = append(values, v)
	}

	return values, nil
}

func parseHex(s string) (int, error) {
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, &ProtocolError{Message: "x1: invalid hex length " + strconv.Quote(s), Err: err}
	}
	return int(n), nil
}
