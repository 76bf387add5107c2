// Package transport moves frames and statistics over TCP.
//
// Every message is a sequence of length-prefixed parts: a big-endian uint32
// byte count followed by the part bytes. A frame is two parts (JSON header,
// payload); a statistics message is two parts (topic, CBOR body).
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxPartSize bounds a single message part. Larger announcements mean the
// stream is out of sync.
const MaxPartSize = 256 << 20

// FrameHeader is the JSON header sent with every frame. Header fields
// configured on the receiver travel as additional top-level keys.
type FrameHeader struct {
	Frame       uint64         `json:"frame"`
	Shape       []uint64       `json:"shape"`
	Type        string         `json:"type"`
	Endianness  string         `json:"endianness,omitempty"`
	Compression string         `json:"compression,omitempty"`
	Values      map[string]any `json:"-"`
}

// MarshalJSON flattens Values into the header object.
func (h FrameHeader) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(h.Values)+5)
	for k, v := range h.Values {
		obj[k] = v
	}
	obj["frame"] = h.Frame
	obj["shape"] = h.Shape
	obj["type"] = h.Type
	if h.Endianness != "" {
		obj["endianness"] = h.Endianness
	}
	if h.Compression != "" {
		obj["compression"] = h.Compression
	}
	return json.Marshal(obj)
}

// WriteFrame writes one frame message to w.
func WriteFrame(w io.Writer, header FrameHeader, payload []byte) error {
	encoded, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	return writeParts(w, encoded, payload)
}

func writeParts(w io.Writer, parts ...[]byte) error {
	bw := bufio.NewWriter(w)
	var prefix [4]byte
	for _, part := range parts {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(part)))
		if _, err := bw.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := bw.Write(part); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readPart reads one part into buf, growing it when needed.
func readPart(r io.Reader, buf []byte) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return buf, err
	}
	n := int(binary.BigEndian.Uint32(prefix[:]))
	if n > MaxPartSize {
		return buf, fmt.Errorf("message part of %d bytes exceeds limit", n)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return buf, err
	}
	return buf, nil
}

// HostPort strips an optional tcp:// scheme from an address.
func HostPort(address string) string {
	return strings.TrimPrefix(address, "tcp://")
}
