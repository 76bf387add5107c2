package daq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// DataType is the element type tag of a frame payload, a header field or a
// parameter value. The string form is what travels in stream headers and is
// stored in the output file.
type DataType string

const (
	TypeUint8   DataType = "uint8"
	TypeUint16  DataType = "uint16"
	TypeUint32  DataType = "uint32"
	TypeUint64  DataType = "uint64"
	TypeInt8    DataType = "int8"
	TypeInt16   DataType = "int16"
	TypeInt32   DataType = "int32"
	TypeInt64   DataType = "int64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeBool    DataType = "bool"
	TypeString  DataType = "string"
)

var (
	// ErrUnknownType is returned when a type tag is not one of the supported kinds.
	ErrUnknownType = errors.New("unknown data type")

	// ErrTypeMismatch is returned when a raw value cannot be represented as the
	// requested type.
	ErrTypeMismatch = errors.New("value does not match data type")
)

// ParseDataType returns the DataType named by s.
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if t.Size() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Size returns the element byte size for t, 0 for variable-length strings and
// -1 for unknown tags.
func (t DataType) Size() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	case TypeString:
		return 0
	default:
		return -1
	}
}

func (t DataType) isUnsigned() bool {
	return t == TypeUint8 || t == TypeUint16 || t == TypeUint32 || t == TypeUint64
}

func (t DataType) isSigned() bool {
	return t == TypeInt8 || t == TypeInt16 || t == TypeInt32 || t == TypeInt64
}

func (t DataType) isFloat() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// Endianness is the byte order of a payload.
type Endianness string

const (
	LittleEndian Endianness = "little"
	BigEndian    Endianness = "big"
)

// ParseEndianness returns the Endianness named by s. An empty string selects
// little endian, the default of the array stream protocol.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little":
		return LittleEndian, nil
	case "big":
		return BigEndian, nil
	default:
		return "", fmt.Errorf("unknown endianness %q", s)
	}
}

// ByteOrder returns the encoding/binary order for e.
func (e Endianness) ByteOrder() binary.AppendByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// HeaderField describes one scalar value carried in every frame header that
// should be persisted as its own stream. Header values are always scalars
// stored little endian.
type HeaderField struct {
	Name string
	Type DataType
}

// PulseIDField is the header field that carries the acquisition-wide pulse
// identifier.
const PulseIDField = "pulse_id"

// ParseHeaderFields parses a comma separated list of name:type pairs, e.g.
// "pulse_id:uint64,daq_rec:uint32". Order is preserved.
func ParseHeaderFields(list string) ([]HeaderField, error) {
	var fields []HeaderField
	seen := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, typ, ok := strings.Cut(item, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header field %q: expected name:type", item)
		}
		name = strings.TrimSpace(name)
		t, err := ParseDataType(typ)
		if err != nil {
			return nil, fmt.Errorf("header field %q: %w", name, err)
		}
		if t == TypeString {
			return nil, fmt.Errorf("header field %q: %w: only scalar numeric types are supported", name, ErrTypeMismatch)
		}
		if seen[name] {
			return nil, fmt.Errorf("header field %q declared twice", name)
		}
		seen[name] = true
		fields = append(fields, HeaderField{Name: name, Type: t})
	}
	return fields, nil
}

// FrameMetadata describes one received frame. The payload it belongs to is
// owned by whoever handed out the metadata; once a ring buffer slot is
// released the payload must not be read again.
type FrameMetadata struct {
	FrameIndex   uint64
	Shape        []uint64
	ElementSize  int
	Type         DataType
	Endianness   Endianness
	HeaderValues map[string]Value

	// PayloadSize is the number of payload bytes belonging to this frame.
	PayloadSize int

	// SlotIndex is the ring buffer slot the frame occupies. Only valid
	// between a ring buffer Read and the matching Release.
	SlotIndex int
}

// PulseID returns the frame's pulse identifier header value, if present.
func (m *FrameMetadata) PulseID() (uint64, bool) {
	v, ok := m.HeaderValues[PulseIDField]
	if !ok {
		return 0, false
	}
	return v.Uint64(), true
}
