package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStreamer listens on a free port and hands the first accepted
// connection to the returned channel.
func startStreamer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return ln.Addr().String(), conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never connected")
		return nil
	}
}

// receiveFrame polls Receive until a frame or an error arrives.
func receiveFrame(t *testing.T, r *Receiver) (*daq.FrameMetadata, []byte, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		meta, payload, err := r.Receive()
		if meta != nil || err != nil {
			return meta, payload, err
		}
	}
	t.Fatal("no frame received")
	return nil, nil, nil
}

func TestReceiver_receive_before_connect(t *testing.T) {
	r := NewReceiver("127.0.0.1:1", 10*time.Millisecond, nil, testLogger())
	if _, _, err := r.Receive(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceiver_timeout_is_not_an_error(t *testing.T) {
	addr, conns := startStreamer(t)
	r := NewReceiver("tcp://"+addr, 20*time.Millisecond, nil, testLogger())
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()
	acceptConn(t, conns)

	meta, payload, err := r.Receive()
	if meta != nil || payload != nil || err != nil {
		t.Errorf("expected empty result, got %v %v %v", meta, payload, err)
	}
}

func TestReceiver_decodes_frames(t *testing.T) {
	addr, conns := startStreamer(t)
	fields := []daq.HeaderField{{Name: daq.PulseIDField, Type: daq.TypeUint64}}
	r := NewReceiver(addr, 20*time.Millisecond, fields, testLogger())
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()
	conn := acceptConn(t, conns)

	payload := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	header := FrameHeader{
		Frame:  12,
		Shape:  []uint64{2, 2},
		Type:   "uint16",
		Values: map[string]any{daq.PulseIDField: uint64(1000)},
	}
	if err := WriteFrame(conn, header, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	meta, got, err := receiveFrame(t, r)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if meta.FrameIndex != 12 || meta.Type != daq.TypeUint16 || meta.ElementSize != 2 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.Endianness != daq.LittleEndian {
		t.Errorf("endianness should default to little, got %s", meta.Endianness)
	}
	if pulse, ok := meta.PulseID(); !ok || pulse != 1000 {
		t.Errorf("pulse id = %d %v", pulse, ok)
	}
	if string(got) != string(payload) || meta.PayloadSize != len(payload) {
		t.Errorf("payload = %v", got)
	}
}

func TestReceiver_compressed_payload(t *testing.T) {
	addr, conns := startStreamer(t)
	r := NewReceiver(addr, 20*time.Millisecond, nil, testLogger())
	_ = r.Connect()
	defer r.Close()
	conn := acceptConn(t, conns)

	raw := make([]byte, 4096)
	compressed, err := codec.Compress(nil, raw, codec.LZ4)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	header := FrameHeader{Frame: 1, Shape: []uint64{64, 64}, Type: "uint8", Compression: "lz4"}
	if err := WriteFrame(conn, header, compressed); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	meta, got, err := receiveFrame(t, r)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != len(raw) || meta.PayloadSize != len(raw) {
		t.Errorf("decompressed to %d bytes, want %d", len(got), len(raw))
	}
}

func TestReceiver_lost_frame_keeps_stream_in_sync(t *testing.T) {
	addr, conns := startStreamer(t)
	fields := []daq.HeaderField{{Name: daq.PulseIDField, Type: daq.TypeUint64}}
	r := NewReceiver(addr, 20*time.Millisecond, fields, testLogger())
	_ = r.Connect()
	defer r.Close()
	conn := acceptConn(t, conns)

	// Missing pulse_id.
	if err := WriteFrame(conn, FrameHeader{Frame: 5, Shape: []uint64{1}, Type: "uint8"}, []byte{1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// Payload does not match the announced shape.
	bad := FrameHeader{Frame: 6, Shape: []uint64{4}, Type: "uint8", Values: map[string]any{daq.PulseIDField: 1}}
	if err := WriteFrame(conn, bad, []byte{1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	good := FrameHeader{Frame: 7, Shape: []uint64{1}, Type: "uint8", Values: map[string]any{daq.PulseIDField: 2}}
	if err := WriteFrame(conn, good, []byte{9}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	for _, want := range []uint64{5, 6} {
		_, _, err := receiveFrame(t, r)
		var lost *LostFrameError
		if !errors.As(err, &lost) {
			t.Fatalf("expected LostFrameError, got %v", err)
		}
		if lost.FrameIndex != want {
			t.Errorf("lost frame %d, want %d", lost.FrameIndex, want)
		}
	}

	meta, payload, err := receiveFrame(t, r)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if meta.FrameIndex != 7 || payload[0] != 9 {
		t.Errorf("stream out of sync: frame %d payload %v", meta.FrameIndex, payload)
	}
}

func TestReceiver_malformed_headers_are_lost_frames(t *testing.T) {
	addr, conns := startStreamer(t)
	fields := []daq.HeaderField{{Name: daq.PulseIDField, Type: daq.TypeUint64}}
	r := NewReceiver(addr, 20*time.Millisecond, fields, testLogger())
	r.SetMaxFrameBytes(64)
	_ = r.Connect()
	defer r.Close()
	conn := acceptConn(t, conns)

	pulse := map[string]any{daq.PulseIDField: 1}
	frames := []struct {
		header   FrameHeader
		sizeErr  bool
		describe string
	}{
		{FrameHeader{Frame: 20, Shape: []uint64{1 << 63}, Type: "uint8", Compression: "lz4", Values: pulse}, true, "overflowing shape"},
		{FrameHeader{Frame: 21, Shape: []uint64{1 << 32, 1 << 32}, Type: "float64", Values: pulse}, true, "product overflow"},
		{FrameHeader{Frame: 22, Shape: []uint64{8, 0}, Type: "uint8", Values: pulse}, true, "zero dimension"},
		{FrameHeader{Frame: 23, Shape: []uint64{9}, Type: "float64", Compression: "zstd", Values: pulse}, true, "above frame limit"},
		{FrameHeader{Frame: 24, Shape: []uint64{1}, Type: "uint8", Compression: "bzip2", Values: pulse}, false, "unknown compression"},
		{FrameHeader{Frame: 25, Shape: []uint64{1}, Type: "uint8"}, false, "missing pulse_id"},
	}
	for _, f := range frames {
		if err := WriteFrame(conn, f.header, []byte{0xff, 0x00, 0x11}); err != nil {
			t.Fatalf("WriteFrame %s: %v", f.describe, err)
		}
	}
	good := FrameHeader{Frame: 26, Shape: []uint64{2, 4}, Type: "float64", Values: pulse}
	if err := WriteFrame(conn, good, make([]byte, 64)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	for _, f := range frames {
		_, _, err := receiveFrame(t, r)
		var lost *LostFrameError
		if !errors.As(err, &lost) {
			t.Fatalf("%s: expected LostFrameError, got %v", f.describe, err)
		}
		if lost.FrameIndex != f.header.Frame {
			t.Errorf("%s: lost frame %d, want %d", f.describe, lost.FrameIndex, f.header.Frame)
		}
		if f.sizeErr != errors.Is(err, ErrFrameSize) {
			t.Errorf("%s: unexpected error %v", f.describe, err)
		}
	}

	meta, payload, err := receiveFrame(t, r)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if meta.FrameIndex != 26 || len(payload) != 64 {
		t.Errorf("stream out of sync: frame %d with %d bytes", meta.FrameIndex, len(payload))
	}
}

func TestFrameSize(t *testing.T) {
	if n, err := frameSize(2, []uint64{3, 4}, 24); err != nil || n != 24 {
		t.Errorf("frameSize = %d, %v", n, err)
	}
	if _, err := frameSize(2, []uint64{3, 5}, 24); !errors.Is(err, ErrFrameSize) {
		t.Errorf("expected ErrFrameSize, got %v", err)
	}
	if _, err := frameSize(8, []uint64{1 << 62, 4}, MaxPartSize); !errors.Is(err, ErrFrameSize) {
		t.Errorf("expected ErrFrameSize on overflow, got %v", err)
	}
}

func TestHostPort(t *testing.T) {
	for in, want := range map[string]string{
		"tcp://127.0.0.1:9999": "127.0.0.1:9999",
		"127.0.0.1:9999":       "127.0.0.1:9999",
	} {
		if got := HostPort(in); got != want {
			t.Errorf("HostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublisher_send_before_bind(t *testing.T) {
	p := NewPublisher("127.0.0.1:0", testLogger())
	if err := p.Send(StatisticsTopic, map[string]int{"a": 1}); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestPublisher_fan_out(t *testing.T) {
	p := NewPublisher("127.0.0.1:0", testLogger())
	if err := p.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for p.subscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.subscriberCount() != 1 {
		t.Fatal("subscriber never registered")
	}

	if err := p.Send(StatisticsTopic, map[string]uint64{"n_written_frames": 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]uint64
	topic, err := DecodeMessage(conn, &got)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if topic != StatisticsTopic || got["n_written_frames"] != 3 {
		t.Errorf("topic=%s body=%v", topic, got)
	}
}
