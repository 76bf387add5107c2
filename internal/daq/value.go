package daq

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a tagged scalar. Header values and acquisition parameters are both
// represented as Values. The zero Value has no type.
type Value struct {
	typ  DataType
	bits uint64
	str  string
}

// UintValue returns an unsigned integer value of type t. Bits above the width
// of t are discarded.
func UintValue(t DataType, v uint64) Value {
	switch t {
	case TypeUint8:
		v = uint64(uint8(v))
	case TypeUint16:
		v = uint64(uint16(v))
	case TypeUint32:
		v = uint64(uint32(v))
	}
	return Value{typ: t, bits: v}
}

// IntValue returns a signed integer value of type t.
func IntValue(t DataType, v int64) Value {
	switch t {
	case TypeInt8:
		v = int64(int8(v))
	case TypeInt16:
		v = int64(int16(v))
	case TypeInt32:
		v = int64(int32(v))
	}
	return Value{typ: t, bits: uint64(v)}
}

// FloatValue returns a floating point value of type t.
func FloatValue(t DataType, v float64) Value {
	if t == TypeFloat32 {
		v = float64(float32(v))
	}
	return Value{typ: t, bits: math.Float64bits(v)}
}

// BoolValue returns a boolean value.
func BoolValue(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{typ: TypeBool, bits: bits}
}

// StringValue returns a string value.
func StringValue(s string) Value {
	return Value{typ: TypeString, str: s}
}

// Type returns the value's type tag.
func (v Value) Type() DataType { return v.typ }

// IsZero reports whether v carries no type.
func (v Value) IsZero() bool { return v.typ == "" }

// Uint64 returns v converted to uint64. Negative integers and floats are
// truncated the way a Go conversion would.
func (v Value) Uint64() uint64 {
	switch {
	case v.typ.isFloat():
		return uint64(math.Float64frombits(v.bits))
	default:
		return v.bits
	}
}

// Int64 returns v converted to int64.
func (v Value) Int64() int64 {
	if v.typ.isFloat() {
		return int64(math.Float64frombits(v.bits))
	}
	return int64(v.bits)
}

// Float64 returns v converted to float64.
func (v Value) Float64() float64 {
	switch {
	case v.typ.isFloat():
		return math.Float64frombits(v.bits)
	case v.typ.isSigned():
		return float64(int64(v.bits))
	default:
		return float64(v.bits)
	}
}

// Bool returns the boolean content of v; numeric values are true when non-zero.
func (v Value) Bool() bool { return v.bits != 0 }

// Any returns v as a plain Go value of the matching kind.
func (v Value) Any() any {
	switch {
	case v.typ == TypeString:
		return v.str
	case v.typ == TypeBool:
		return v.Bool()
	case v.typ.isFloat():
		return v.Float64()
	case v.typ.isSigned():
		return v.Int64()
	case v.typ.isUnsigned():
		return v.bits
	default:
		return nil
	}
}

// String formats v for logs and text attributes.
func (v Value) String() string {
	switch {
	case v.typ == TypeString:
		return v.str
	case v.typ == TypeBool:
		return strconv.FormatBool(v.Bool())
	case v.typ == TypeFloat32:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 32)
	case v.typ == TypeFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.typ.isSigned():
		return strconv.FormatInt(v.Int64(), 10)
	case v.typ.isUnsigned():
		return strconv.FormatUint(v.bits, 10)
	default:
		return ""
	}
}

// AppendBytes appends the binary encoding of v in the given byte order.
// Strings are appended as raw UTF-8 bytes.
func (v Value) AppendBytes(dst []byte, e Endianness) []byte {
	var order binary.AppendByteOrder = e.ByteOrder()
	switch v.typ {
	case TypeString:
		return append(dst, v.str...)
	case TypeUint8, TypeInt8, TypeBool:
		return append(dst, byte(v.bits))
	case TypeUint16, TypeInt16:
		return order.AppendUint16(dst, uint16(v.bits))
	case TypeUint32, TypeInt32:
		return order.AppendUint32(dst, uint32(v.bits))
	case TypeFloat32:
		return order.AppendUint32(dst, math.Float32bits(float32(v.Float64())))
	case TypeUint64, TypeInt64, TypeFloat64:
		return order.AppendUint64(dst, v.bits)
	default:
		return dst
	}
}

// MarshalJSON encodes v as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// ParseValue converts a decoded JSON value (json.Number, float64, string or
// bool) into a Value of type t, rejecting values that do not fit.
func ParseValue(t DataType, raw any) (Value, error) {
	if t.Size() < 0 {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	switch t {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: expected string, got %T", ErrTypeMismatch, raw)
		}
		return StringValue(s), nil
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("%w: expected bool, got %T", ErrTypeMismatch, raw)
		}
		return BoolValue(b), nil
	}

	text, err := numberText(raw)
	if err != nil {
		return Value{}, err
	}

	bitSize := t.Size() * 8
	switch {
	case t.isUnsigned():
		n, err := strconv.ParseUint(text, 10, bitSize)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s as %s: %v", ErrTypeMismatch, text, t, err)
		}
		return UintValue(t, n), nil
	case t.isSigned():
		n, err := strconv.ParseInt(text, 10, bitSize)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s as %s: %v", ErrTypeMismatch, text, t, err)
		}
		return IntValue(t, n), nil
	default:
		f, err := strconv.ParseFloat(text, bitSize)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s as %s: %v", ErrTypeMismatch, text, t, err)
		}
		return FloatValue(t, f), nil
	}
}

// InferValue converts a decoded JSON value into a Value without a declared
// type: integers become int64 (uint64 when too large), other numbers float64.
func InferValue(raw any) (Value, error) {
	switch r := raw.(type) {
	case string:
		return StringValue(r), nil
	case bool:
		return BoolValue(r), nil
	case json.Number, float64:
		text, _ := numberText(r)
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return IntValue(TypeInt64, n), nil
		}
		if n, err := strconv.ParseUint(text, 10, 64); err == nil {
			return UintValue(TypeUint64, n), nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrTypeMismatch, text)
		}
		return FloatValue(TypeFloat64, f), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported value %T", ErrTypeMismatch, raw)
	}
}

func numberText(raw any) (string, error) {
	switch r := raw.(type) {
	case json.Number:
		return r.String(), nil
	case float64:
		return strconv.FormatFloat(r, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(r), nil
	case int64:
		return strconv.FormatInt(r, 10), nil
	case uint64:
		return strconv.FormatUint(r, 10), nil
	default:
		return "", fmt.Errorf("%w: expected number, got %T", ErrTypeMismatch, raw)
	}
}
