package wire

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindInt
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindDecimal:
		return "decimal"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a typed payload field: none, string, int64 or decimal.
// The zero Value is None.
type Value struct {
	kind Kind
	str  string
	num  int64
	dec  decimal.Decimal
}

// None returns the absent value.
func None() Value { return Value{} }

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

func DecimalValue(d decimal.Decimal) Value { return Value{kind: KindDecimal, dec: d} }

// FloatValue stores f as a decimal.
func FloatValue(f float64) Value { return DecimalValue(decimal.NewFromFloat(f)) }

// ValueOf converts common Go types to a Value.
// Supported: nil, Value, string, []byte, all int kinds, float32, float64 and decimal.Decimal.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return None(), nil
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case []byte:
		return StringValue(string(x)), nil
	case int:
		return IntValue(int64(x)), nil
	case int8:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case decimal.Decimal:
		return DecimalValue(x), nil
	default:
		return None(), fmt.Errorf("unsupported value type %T", v)
	}
}

// MustValueOf is like ValueOf but panics on unsupported types.
func MustValueOf(v any) Value {
	val, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return val
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNone }

// AsString returns the string held by v and whether v is a String.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsInt returns the integer held by v and whether v is an Int.
func (v Value) AsInt() (int64, bool) {
	return v.num, v.kind == KindInt
}

// AsDecimal returns v as a decimal. Ints are converted; other kinds report false.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.kind {
	case KindDecimal:
		return v.dec, true
	case KindInt:
		return decimal.NewFromInt(v.num), true
	default:
		return decimal.Zero, false
	}
}

// Any returns the Go value held by v: nil, string, int64 or decimal.Decimal.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindDecimal:
		return v.dec
	default:
		return nil
	}
}

// Equal compares kinds and contents. Decimals compare by value, so 1.50 equals 1.5.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindDecimal:
		return v.dec.Equal(o.dec)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindDecimal:
		return v.dec.String()
	default:
		return "<none>"
	}
}

// EncodeValue returns the wire bytes and type tag for v.
// None has no encoding and reports ok=false.
func EncodeValue(v Value) (data string, tag TypeTag, ok bool) {
	switch v.kind {
	case KindString:
		return v.str, TagString, true
	case KindInt:
		return strconv.FormatInt(v.num, 10), TagInt, true
	case KindDecimal:
		return v.dec.String(), TagDouble, true
	default:
		return "", "", false
	}
}

// DecodeValue reconstructs a Value from a wire type tag and its raw bytes.
func DecodeValue(tag TypeTag, data []byte) (Value, error) {
	switch tag {
	case TagString:
		return StringValue(string(data)), nil
	case TagInt:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return None(), &ProtocolError{Message: "invalid int field", Err: err}
		}
		return IntValue(n), nil
	case TagDouble:
		d, err := decimal.NewFromString(string(data))
		if err != nil {
			return None(), &ProtocolError{Message: "invalid double field", Err: err}
		}
		return DecimalValue(d), nil
	default:
		return None(), &ProtocolError{Message: fmt.Sprintf("unsupported type tag %q", string(tag))}
	}
}
