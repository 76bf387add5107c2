package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
)

// ErrNotConnected is returned by Receive when Connect was never called.
var ErrNotConnected = errors.New("cannot receive before connecting")

// defaultFrameReadTimeout bounds reading the rest of a message once its first
// byte has arrived.
const defaultFrameReadTimeout = 5 * time.Second

// ErrFrameSize is wrapped by a LostFrameError when the header announces a
// frame whose decoded size is zero or above the receiver limit.
var ErrFrameSize = errors.New("invalid frame size")

// LostFrameError reports a frame that was announced on the stream but could
// not be decoded. The stream stays usable.
type LostFrameError struct {
	FrameIndex uint64
	Err        error
}

func (e *LostFrameError) Error() string {
	return fmt.Sprintf("frame %d lost: %v", e.FrameIndex, e.Err)
}

func (e *LostFrameError) Unwrap() error { return e.Err }

// Receiver pulls frames from a streamer that listens on address. The payload
// returned by Receive aliases an internal buffer that is reused by the next
// call.
type Receiver struct {
	address          string
	receiveTimeout   time.Duration
	frameReadTimeout time.Duration
	headerFields     []daq.HeaderField
	maxFrameBytes    int
	log              *slog.Logger

	connected bool
	conn      net.Conn
	reader    *bufio.Reader

	header   []byte
	payload  []byte
	expanded []byte
}

// NewReceiver returns a Receiver for the streamer at address ("host:port" or
// "tcp://host:port"). Each Receive waits at most receiveTimeout for the next
// frame to begin. headerFields are decoded from every frame header.
func NewReceiver(address string, receiveTimeout time.Duration, headerFields []daq.HeaderField, log *slog.Logger) *Receiver {
	return &Receiver{
		address:          HostPort(address),
		receiveTimeout:   receiveTimeout,
		frameReadTimeout: defaultFrameReadTimeout,
		headerFields:     headerFields,
		maxFrameBytes:    MaxPartSize,
		log:              log,
	}
}

// HeaderFields returns the header fields decoded from every frame.
func (r *Receiver) HeaderFields() []daq.HeaderField {
	return r.headerFields
}

// SetMaxFrameBytes bounds the decoded size of a frame. Larger frames are
// reported as lost before any decompression happens.
func (r *Receiver) SetMaxFrameBytes(n int) {
	if n > 0 && n <= MaxPartSize {
		r.maxFrameBytes = n
	}
}

// Connect dials the streamer. A streamer that is not up yet is not an
// error; Receive keeps redialing until it appears.
func (r *Receiver) Connect() error {
	if r.address == "" {
		return errors.New("receiver address is empty")
	}
	r.connected = true
	r.log.Info("connecting to stream", slog.String("address", r.address))
	if err := r.dial(); err != nil {
		r.log.Warn("stream not reachable yet", slog.String("address", r.address), slog.String("error", err.Error()))
	}
	return nil
}

func (r *Receiver) dial() error {
	conn, err := net.DialTimeout("tcp", r.address, r.receiveTimeout)
	if err != nil {
		return err
	}
	r.conn = conn
	r.reader = bufio.NewReaderSize(conn, 1<<20)
	return nil
}

func (r *Receiver) drop() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = nil
	r.reader = nil
}

// Close closes the connection to the streamer.
func (r *Receiver) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.reader = nil
	return err
}

// Receive returns the next frame. When no frame starts within the receive
// timeout it returns a nil metadata and a nil error. A frame that arrived but
// could not be decoded is reported as a *LostFrameError.
func (r *Receiver) Receive() (*daq.FrameMetadata, []byte, error) {
	if !r.connected {
		return nil, nil, ErrNotConnected
	}
	if r.conn == nil {
		if err := r.dial(); err != nil {
			time.Sleep(r.receiveTimeout)
			return nil, nil, nil
		}
	}

	_ = r.conn.SetReadDeadline(time.Now().Add(r.receiveTimeout))
	if _, err := r.reader.Peek(1); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, nil
		}
		r.log.Warn("stream connection lost", slog.String("address", r.address), slog.String("error", err.Error()))
		r.drop()
		return nil, nil, nil
	}

	_ = r.conn.SetReadDeadline(time.Now().Add(r.frameReadTimeout))
	var err error
	r.header, err = readPart(r.reader, r.header)
	if err != nil {
		r.log.Warn("error reading frame header", slog.String("error", err.Error()))
		r.drop()
		return nil, nil, nil
	}

	meta, tag, err := r.decodeHeader(r.header)
	if err != nil {
		// The payload part still has to be consumed to stay in sync.
		var readErr error
		if r.payload, readErr = readPart(r.reader, r.payload); readErr != nil {
			r.drop()
		}
		var index uint64
		if meta != nil {
			index = meta.FrameIndex
		}
		return nil, nil, &LostFrameError{FrameIndex: index, Err: err}
	}

	r.payload, err = readPart(r.reader, r.payload)
	if err != nil {
		r.drop()
		return nil, nil, &LostFrameError{FrameIndex: meta.FrameIndex, Err: fmt.Errorf("read payload: %w", err)}
	}

	data, err := codec.Decompress(r.expanded, r.payload, tag, meta.PayloadSize)
	if err != nil {
		return nil, nil, &LostFrameError{FrameIndex: meta.FrameIndex, Err: err}
	}
	if tag != codec.None {
		r.expanded = data
	}
	meta.PayloadSize = len(data)
	return meta, data, nil
}

// decodeHeader parses a JSON frame header. The returned metadata carries the
// frame index whenever it could be read, even if decoding failed later.
func (r *Receiver) decodeHeader(header []byte) (*daq.FrameMetadata, codec.Tag, error) {
	dec := json.NewDecoder(bytes.NewReader(header))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, codec.None, fmt.Errorf("decode header: %w", err)
	}

	frame, err := daq.ParseValue(daq.TypeUint64, raw["frame"])
	if err != nil {
		return nil, codec.None, fmt.Errorf("header field frame: %w", err)
	}
	meta := &daq.FrameMetadata{FrameIndex: frame.Uint64()}

	shape, ok := raw["shape"].([]any)
	if !ok || len(shape) == 0 {
		return meta, codec.None, errors.New("header field shape missing")
	}
	for _, dim := range shape {
		v, err := daq.ParseValue(daq.TypeUint64, dim)
		if err != nil {
			return meta, codec.None, fmt.Errorf("header field shape: %w", err)
		}
		meta.Shape = append(meta.Shape, v.Uint64())
	}

	typ, _ := raw["type"].(string)
	meta.Type, err = daq.ParseDataType(typ)
	if err != nil || meta.Type == daq.TypeString {
		return meta, codec.None, fmt.Errorf("header field type: unsupported %q", typ)
	}
	meta.ElementSize = meta.Type.Size()
	if meta.PayloadSize, err = frameSize(meta.ElementSize, meta.Shape, r.maxFrameBytes); err != nil {
		return meta, codec.None, err
	}

	endianness, _ := raw["endianness"].(string)
	if meta.Endianness, err = daq.ParseEndianness(endianness); err != nil {
		return meta, codec.None, err
	}

	compression, _ := raw["compression"].(string)
	tag, err := codec.ParseTag(compression)
	if err != nil {
		return meta, codec.None, err
	}

	if len(r.headerFields) > 0 {
		meta.HeaderValues = make(map[string]daq.Value, len(r.headerFields))
	}
	for _, field := range r.headerFields {
		rawValue, ok := raw[field.Name]
		if !ok {
			return meta, tag, fmt.Errorf("header field %s missing", field.Name)
		}
		v, err := daq.ParseValue(field.Type, rawValue)
		if err != nil {
			return meta, tag, fmt.Errorf("header field %s: %w", field.Name, err)
		}
		meta.HeaderValues[field.Name] = v
	}
	return meta, tag, nil
}

// frameSize multiplies the element size by every dimension, failing on a zero
// dimension or as soon as the product would pass limit.
func frameSize(elementSize int, shape []uint64, limit int) (int, error) {
	size := uint64(elementSize)
	bound := uint64(limit)
	if size == 0 || size > bound {
		return 0, fmt.Errorf("%w: element of %d bytes", ErrFrameSize, elementSize)
	}
	for _, dim := range shape {
		if dim == 0 {
			return 0, fmt.Errorf("%w: zero dimension in shape %v", ErrFrameSize, shape)
		}
		if dim > bound/size {
			return 0, fmt.Errorf("%w: shape %v exceeds %d bytes", ErrFrameSize, shape, limit)
		}
		size *= dim
	}
	return int(size), nil
}
