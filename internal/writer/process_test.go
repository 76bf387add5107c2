package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daq-writer/internal/daq"
	"daq-writer/internal/transport"
)

type scriptedFrame struct {
	meta    daq.FrameMetadata
	payload []byte
	err     error
}

// fakeSource replays scripted frames, then reports timeouts.
type fakeSource struct {
	frames     []scriptedFrame
	fields     []daq.HeaderField
	connectErr error
	next       int
}

func (s *fakeSource) Connect() error { return s.connectErr }

func (s *fakeSource) HeaderFields() []daq.HeaderField { return s.fields }

func (s *fakeSource) Receive() (*daq.FrameMetadata, []byte, error) {
	if s.next >= len(s.frames) {
		time.Sleep(time.Millisecond)
		return nil, nil, nil
	}
	f := s.frames[s.next]
	s.next++
	if f.err != nil {
		return nil, nil, f.err
	}
	meta := f.meta
	return &meta, f.payload, nil
}

type storedWrite struct {
	stream     string
	frameIndex uint64
	payload    []byte
}

// fakeStore records every write; it opens on the first write like the file
// writer does.
type fakeStore struct {
	mu         sync.Mutex
	writeDelay time.Duration
	writes     []storedWrite
	open       bool
	closed     bool
}

func (s *fakeStore) WriteData(stream string, frameIndex uint64, payload []byte, shape []uint64, elementSize int, dtype daq.DataType, order daq.Endianness) error {
	if s.writeDelay > 0 && stream == DataStream {
		time.Sleep(s.writeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.writes = append(s.writes, storedWrite{stream: stream, frameIndex: frameIndex, payload: append([]byte(nil), payload...)})
	return nil
}

func (s *fakeStore) IsFileOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeStore) CloseFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.closed = true
	return nil
}

func (s *fakeStore) stream(name string) []storedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storedWrite
	for _, w := range s.writes {
		if w.stream == name {
			out = append(out, w)
		}
	}
	return out
}

func (s *fakeStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingNotifier struct {
	mu     sync.Mutex
	starts []uint64
	ends   []uint64
}

func (n *recordingNotifier) NotifyStart(_ context.Context, pulseID uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts = append(n.starts, pulseID)
	return errors.New("timing service unavailable")
}

func (n *recordingNotifier) NotifyEnd(_ context.Context, pulseID uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ends = append(n.ends, pulseID)
	return nil
}

func (n *recordingNotifier) snapshot() ([]uint64, []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint64(nil), n.starts...), append([]uint64(nil), n.ends...)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Statistics
}

func (s *recordingSender) Send(topic string, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topic == transport.StatisticsTopic {
		s.sent = append(s.sent, msg.(Statistics))
	}
	return nil
}

type controlFunc func(ctx context.Context) error

func (f controlFunc) Run(ctx context.Context) error { return f(ctx) }

func testOptions(slots int) Options {
	return Options{
		BufferSlots:             slots,
		SlotBytes:               64,
		BufferWriteTimeout:      time.Second,
		ReadRetryInterval:       time.Millisecond,
		ParametersRetryInterval: 5 * time.Millisecond,
	}
}

func frames(n int, pulseBase uint64) []scriptedFrame {
	out := make([]scriptedFrame, n)
	for i := range out {
		out[i] = scriptedFrame{
			meta: daq.FrameMetadata{
				FrameIndex:  uint64(i),
				Shape:       []uint64{2},
				ElementSize: 2,
				Type:        daq.TypeUint16,
				Endianness:  daq.LittleEndian,
				HeaderValues: map[string]daq.Value{
					daq.PulseIDField: daq.UintValue(daq.TypeUint64, pulseBase+uint64(i)),
				},
			},
			payload: []byte{byte(i), 0, byte(i), 1},
		}
	}
	return out
}

func runWithTimeout(t *testing.T, p *ProcessManager, control ControlSurface) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), control) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestProcessManager_drains_all_frames(t *testing.T) {
	m := newTestManager(10, nil)
	source := &fakeSource{frames: frames(10, 0)}
	store := &fakeStore{writeDelay: time.Millisecond}
	formatCalls := 0

	p, err := NewProcessManager(ProcessConfig{
		Manager: m,
		Source:  source,
		Sink:    store,
		Format: func(map[string]daq.Value) error {
			formatCalls++
			return nil
		},
		Options: testOptions(4),
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}
	runWithTimeout(t, p, nil)

	stats := p.Statistics()
	if stats.NReceivedFrames != 10 || stats.NWrittenFrames != 10 || stats.NLostFrames != 0 {
		t.Errorf("unexpected counters: %+v", stats)
	}
	if !p.Buffer().IsEmpty() || stats.NFreeSlots != 4 {
		t.Errorf("buffer not drained: %d free", stats.NFreeSlots)
	}
	if !store.isClosed() {
		t.Error("file not closed")
	}
	if formatCalls != 1 {
		t.Errorf("format written %d times", formatCalls)
	}

	data := store.stream(DataStream)
	if len(data) != 10 {
		t.Fatalf("%d data writes", len(data))
	}
	for i, w := range data {
		if w.frameIndex != uint64(i) || w.payload[0] != byte(i) {
			t.Errorf("write %d out of order: frame %d payload %v", i, w.frameIndex, w.payload)
		}
	}
	if m.Status() != StatusFinished {
		t.Errorf("status = %q", m.Status())
	}
}

func TestProcessManager_kill_skips_parameter_wait(t *testing.T) {
	m := newTestManager(2, map[string]daq.DataType{"energy": daq.TypeFloat64})
	store := &fakeStore{}
	formatCalled := false

	p, err := NewProcessManager(ProcessConfig{
		Manager: m,
		Source:  &fakeSource{frames: frames(2, 0)},
		Sink:    store,
		Format: func(map[string]daq.Value) error {
			formatCalled = true
			return nil
		},
		Options: testOptions(4),
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != StatusWaitingForParameters && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.Status() != StatusWaitingForParameters {
		t.Fatalf("status = %q, want waiting for parameters", m.Status())
	}
	select {
	case <-done:
		t.Fatal("Run returned before parameters were set")
	case <-time.After(20 * time.Millisecond):
	}

	m.Kill()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run still waiting after Kill")
	}
	if formatCalled {
		t.Error("format must be skipped when killed without parameters")
	}
	if !store.isClosed() {
		t.Error("file not closed")
	}
}

func TestProcessManager_parameters_release_drain(t *testing.T) {
	m := newTestManager(1, map[string]daq.DataType{"energy": daq.TypeFloat64})
	var got map[string]daq.Value

	p, err := NewProcessManager(ProcessConfig{
		Manager: m,
		Source:  &fakeSource{frames: frames(1, 0)},
		Sink:    &fakeStore{},
		Format: func(params map[string]daq.Value) error {
			got = params
			return errors.New("format broken")
		},
		Options: testOptions(2),
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}

	go func() {
		for m.Status() != StatusWaitingForParameters {
			time.Sleep(time.Millisecond)
		}
		m.SetParameters(map[string]daq.Value{"energy": daq.FloatValue(daq.TypeFloat64, 6.2)})
	}()
	runWithTimeout(t, p, nil)

	if got["energy"].Float64() != 6.2 {
		t.Errorf("format got parameters %v", got)
	}
}

func TestProcessManager_window_notifications(t *testing.T) {
	m := newTestManager(3, nil)
	store := &fakeStore{}
	notifier := &recordingNotifier{}
	fields := []daq.HeaderField{{Name: daq.PulseIDField, Type: daq.TypeUint64}}

	p, err := NewProcessManager(ProcessConfig{
		Manager:  m,
		Source:   &fakeSource{frames: frames(3, 100), fields: fields},
		Sink:     store,
		Notifier: notifier,
		Options:  testOptions(4),
		Log:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}
	runWithTimeout(t, p, nil)

	deadline := time.Now().Add(time.Second)
	starts, ends := notifier.snapshot()
	for len(starts) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		starts, ends = notifier.snapshot()
	}
	if len(starts) != 1 || starts[0] != 100 {
		t.Errorf("start notifications = %v, want [100]", starts)
	}
	if len(ends) != 1 || ends[0] != 102 {
		t.Errorf("end notifications = %v, want [102]", ends)
	}

	pulses := store.stream(daq.PulseIDField)
	if len(pulses) != 3 {
		t.Fatalf("%d pulse id writes", len(pulses))
	}
	if pulses[2].frameIndex != 2 || pulses[2].payload[0] != 102 || len(pulses[2].payload) != 8 {
		t.Errorf("unexpected pulse id write: %+v", pulses[2])
	}
}

func TestProcessManager_no_pulse_no_end_notification(t *testing.T) {
	m := newTestManager(2, nil)
	notifier := &recordingNotifier{}

	p, err := NewProcessManager(ProcessConfig{
		Manager:  m,
		Source:   &fakeSource{frames: frames(2, 0)},
		Sink:     &fakeStore{},
		Notifier: notifier,
		Options:  testOptions(4),
		Log:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}
	runWithTimeout(t, p, nil)

	if starts, ends := notifier.snapshot(); len(starts) != 0 || len(ends) != 0 {
		t.Errorf("no header fields configured, got starts=%v ends=%v", starts, ends)
	}
}

func TestProcessManager_counts_lost_frames(t *testing.T) {
	m := newTestManager(0, nil)
	script := frames(2, 0)
	script = append(script,
		scriptedFrame{err: &transport.LostFrameError{FrameIndex: 2, Err: errors.New("bad header")}},
		scriptedFrame{
			meta:    daq.FrameMetadata{FrameIndex: 3, Shape: []uint64{128}, ElementSize: 1, Type: daq.TypeUint8},
			payload: make([]byte, 128),
		},
	)

	p, err := NewProcessManager(ProcessConfig{
		Manager: m,
		Source:  &fakeSource{frames: script},
		Sink:    &fakeStore{},
		Options: testOptions(4),
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}

	control := controlFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(2 * time.Second)
		for m.Statistics(time.Now()).NLostFrames < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	runWithTimeout(t, p, control)

	stats := p.Statistics()
	if stats.NLostFrames != 2 || stats.NReceivedFrames != 2 || stats.NWrittenFrames != 2 {
		t.Errorf("unexpected counters: %+v", stats)
	}
}

func TestProcessManager_control_exit_stops_run(t *testing.T) {
	m := newTestManager(0, nil)
	store := &fakeStore{}
	sender := &recordingSender{}

	p, err := NewProcessManager(ProcessConfig{
		Manager:    m,
		Source:     &fakeSource{},
		Sink:       store,
		Statistics: sender,
		Options:    testOptions(4),
		Log:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	control := controlFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx, control)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if !m.IsRunning() {
		t.Fatal("unbounded run stopped on its own")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the control surface exited")
	}
	if m.IsRunning() {
		t.Error("control surface exit must stop the run")
	}
	if !store.isClosed() {
		t.Error("CloseFile not called")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Errorf("expected one final statistics message, got %d", len(sender.sent))
	}
}

func TestProcessManager_connect_failure_stops_run(t *testing.T) {
	m := newTestManager(0, nil)
	p, err := NewProcessManager(ProcessConfig{
		Manager: m,
		Source:  &fakeSource{connectErr: transport.ErrNotConnected},
		Sink:    &fakeStore{},
		Options: testOptions(4),
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessManager: %v", err)
	}
	runWithTimeout(t, p, nil)

	if m.IsRunning() {
		t.Error("connect failure must stop the run")
	}
}

func TestNewProcessManager_rejects_bad_options(t *testing.T) {
	m := newTestManager(0, nil)
	opts := testOptions(0)
	if _, err := NewProcessManager(ProcessConfig{Manager: m, Source: &fakeSource{}, Sink: &fakeStore{}, Options: opts, Log: testLogger()}); err == nil {
		t.Error("zero slots should be rejected")
	}
	if _, err := NewProcessManager(ProcessConfig{Manager: m, Sink: &fakeStore{}, Options: testOptions(1), Log: testLogger()}); err == nil {
		t.Error("missing source should be rejected")
	}
}
