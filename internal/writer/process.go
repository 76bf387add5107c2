package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"daq-writer/internal/daq"
	"daq-writer/internal/platform/metrics"
	"daq-writer/internal/ringbuffer"
	"daq-writer/internal/transport"
)

// DataStream is the stream name frame payloads are written under.
const DataStream = "data"

// FrameSource delivers frames from the detector stream. Receive returns a nil
// metadata and nil error when no frame arrived within its timeout.
type FrameSource interface {
	Connect() error
	Receive() (*daq.FrameMetadata, []byte, error)
	HeaderFields() []daq.HeaderField
}

// FrameSink persists frames into the output file. It is only used from the
// persist task.
type FrameSink interface {
	WriteData(stream string, frameIndex uint64, payload []byte, shape []uint64, elementSize int, dtype daq.DataType, order daq.Endianness) error
	IsFileOpen() bool
	CloseFile() error
}

// FormatWriter writes the file format block once all parameters are known.
type FormatWriter func(params map[string]daq.Value) error

// StatisticsSender publishes statistics snapshots.
type StatisticsSender interface {
	Send(topic string, msg any) error
}

// ControlSurface serves external control requests until ctx is done or it
// fails.
type ControlSurface interface {
	Run(ctx context.Context) error
}

// Options are the deployment knobs of a ProcessManager.
type Options struct {
	BufferSlots             int
	SlotBytes               int
	BufferWriteTimeout      time.Duration
	ReadRetryInterval       time.Duration
	ParametersRetryInterval time.Duration
	StatisticsInterval      time.Duration
}

// ProcessConfig wires a ProcessManager to its collaborators. Format,
// Notifier, Statistics and Metrics are optional.
type ProcessConfig struct {
	Manager    *Manager
	Source     FrameSource
	Sink       FrameSink
	Format     FormatWriter
	Notifier   Notifier
	Statistics StatisticsSender
	Metrics    *metrics.Metrics
	Options    Options
	Log        *slog.Logger
}

// ProcessManager runs one acquisition: a receive task moving frames from the
// source into the slot buffer and a persist task moving them from the buffer
// into the sink, then draining and closing the file.
type ProcessManager struct {
	manager  *Manager
	source   FrameSource
	sink     FrameSink
	format   FormatWriter
	notifier Notifier
	stats    StatisticsSender
	metrics  *metrics.Metrics
	buffer   *ringbuffer.RingBuffer
	opts     Options
	log      *slog.Logger

	headerScratch []byte
}

// NewProcessManager builds the slot buffer and returns a ProcessManager ready
// to Run.
func NewProcessManager(cfg ProcessConfig) (*ProcessManager, error) {
	if cfg.Manager == nil || cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("process manager needs a manager, a source and a sink")
	}
	if cfg.Options.ReadRetryInterval <= 0 || cfg.Options.ParametersRetryInterval <= 0 {
		return nil, errors.New("retry intervals must be positive")
	}

	buffer, err := ringbuffer.New(cfg.Options.BufferSlots, cfg.Options.SlotBytes)
	if err != nil {
		return nil, fmt.Errorf("create slot buffer: %w", err)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &ProcessManager{
		manager:  cfg.Manager,
		source:   cfg.Source,
		sink:     cfg.Sink,
		format:   cfg.Format,
		notifier: notifier,
		stats:    cfg.Statistics,
		metrics:  cfg.Metrics,
		buffer:   buffer,
		opts:     cfg.Options,
		log:      cfg.Log,
	}, nil
}

// Buffer returns the slot buffer between the two tasks.
func (p *ProcessManager) Buffer() *ringbuffer.RingBuffer {
	return p.buffer
}

// Statistics returns the run statistics including the buffer fill state.
func (p *ProcessManager) Statistics() Statistics {
	stats := p.manager.Statistics(time.Now())
	stats.NFreeSlots = p.buffer.FreeSlots()
	return stats
}

// Run starts both tasks and the control surface and returns once the output
// file is closed. If the control surface returns first, the run is stopped
// and Run waits for the drain to complete. control may be nil.
func (p *ProcessManager) Run(ctx context.Context, control ControlSurface) error {
	receiveDone := make(chan struct{})
	persistDone := make(chan struct{})

	go func() {
		defer close(receiveDone)
		p.receive()
	}()
	go func() {
		defer close(persistDone)
		p.persist(receiveDone)
	}()

	controlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	controlDone := make(chan error, 1)
	if control != nil {
		go func() { controlDone <- control.Run(controlCtx) }()
	}

	if p.stats != nil && p.opts.StatisticsInterval > 0 {
		go p.publishLoop(persistDone)
	}

	select {
	case <-persistDone:
		cancel()
		if control != nil {
			if err := <-controlDone; err != nil {
				p.log.Error("control surface failed", slog.String("error", err.Error()))
			}
		}
	case err := <-controlDone:
		if err != nil {
			p.log.Error("control surface failed", slog.String("error", err.Error()))
		}
		p.manager.Stop()
		<-receiveDone
		<-persistDone
	}

	p.publishStatistics()
	p.log.Info("writer finished",
		slog.String("output_file", p.manager.OutputFile()),
		slog.String("status", string(p.manager.Status())))
	return nil
}

func (p *ProcessManager) receive() {
	if err := p.source.Connect(); err != nil {
		p.log.Error("cannot connect to stream", slog.String("error", err.Error()))
		p.manager.Stop()
		return
	}

	for p.manager.IsRunning() {
		meta, payload, err := p.source.Receive()
		if err != nil {
			var lost *transport.LostFrameError
			if errors.As(err, &lost) {
				p.log.Warn("frame lost on receive",
					slog.Uint64("frame_index", lost.FrameIndex),
					slog.String("error", lost.Err.Error()))
				p.lostFrame(lost.FrameIndex)
				continue
			}
			p.log.Error("receive failed", slog.String("error", err.Error()))
			p.manager.Stop()
			return
		}
		if meta == nil {
			continue
		}

		slot, err := p.buffer.Write(*meta, payload, p.opts.BufferWriteTimeout)
		if err != nil {
			p.log.Warn("frame lost on buffer write",
				slog.Uint64("frame_index", meta.FrameIndex),
				slog.String("error", err.Error()))
			p.lostFrame(meta.FrameIndex)
			continue
		}

		p.manager.ReceivedFrame(meta.FrameIndex)
		if p.metrics != nil {
			p.metrics.IncFramesReceived()
		}
		p.log.Debug("frame received", slog.Uint64("frame_index", meta.FrameIndex), slog.Int("slot", slot))
	}
	p.log.Info("receive task stopped")
}

func (p *ProcessManager) persist(receiveDone <-chan struct{}) {
	headerFields := p.source.HeaderFields()

	for p.manager.IsRunning() || !p.buffer.IsEmpty() || !closed(receiveDone) {
		frame, ok := p.buffer.Read()
		if !ok {
			time.Sleep(p.opts.ReadRetryInterval)
			continue
		}
		p.persistFrame(frame, headerFields)
	}

	p.drain()
}

func (p *ProcessManager) persistFrame(frame ringbuffer.Frame, headerFields []daq.HeaderField) {
	start := time.Now()
	meta := frame.Metadata

	err := p.sink.WriteData(DataStream, meta.FrameIndex, frame.Payload, meta.Shape, meta.ElementSize, meta.Type, meta.Endianness)
	if releaseErr := p.buffer.Release(meta.SlotIndex); releaseErr != nil {
		p.log.Error("slot release failed", slog.Int("slot", meta.SlotIndex), slog.String("error", releaseErr.Error()))
	}
	if err != nil {
		p.log.Error("frame write failed",
			slog.Uint64("frame_index", meta.FrameIndex),
			slog.String("stream", DataStream),
			slog.String("error", err.Error()))
		p.lostFrame(meta.FrameIndex)
		return
	}

	for _, field := range headerFields {
		value, ok := meta.HeaderValues[field.Name]
		if !ok {
			continue
		}
		if field.Name == daq.PulseIDField {
			p.observePulseID(value.Uint64())
		}

		p.headerScratch = value.AppendBytes(p.headerScratch[:0], daq.LittleEndian)
		err := p.sink.WriteData(field.Name, meta.FrameIndex, p.headerScratch, []uint64{1}, field.Type.Size(), field.Type, daq.LittleEndian)
		if err != nil {
			p.log.Error("header field write failed",
				slog.Uint64("frame_index", meta.FrameIndex),
				slog.String("stream", field.Name),
				slog.String("error", err.Error()))
		}
	}

	p.manager.WrittenFrame(meta.FrameIndex)
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.IncFramesWritten()
		p.metrics.ObserveFrameWrite(elapsed)
	}
	p.log.Debug("frame written",
		slog.Uint64("frame_index", meta.FrameIndex),
		slog.Int64("duration_ms", elapsed.Milliseconds()))
}

func (p *ProcessManager) observePulseID(pulseID uint64) {
	if !p.manager.ObservePulseID(pulseID, time.Now()) {
		return
	}
	p.log.Info("acquisition window opened", slog.Uint64("pulse_id", pulseID))
	go func() {
		if err := p.notifier.NotifyStart(context.Background(), pulseID); err != nil {
			p.log.Warn("start notification failed", slog.Uint64("pulse_id", pulseID), slog.String("error", err.Error()))
		}
	}()
}

// drain runs once both tasks are done with frames: it closes the acquisition
// window, waits for parameters unless killed, writes the format block and
// closes the file.
func (p *ProcessManager) drain() {
	p.log.Info("draining writer", slog.String("output_file", p.manager.OutputFile()))

	if window, ok := p.manager.CloseWindow(time.Now()); ok {
		p.log.Info("acquisition window closed", slog.Uint64("pulse_id", window.LastPulseID))
		if err := p.notifier.NotifyEnd(context.Background(), window.LastPulseID); err != nil {
			p.log.Warn("stop notification failed", slog.Uint64("pulse_id", window.LastPulseID), slog.String("error", err.Error()))
		}
	}

	if p.sink.IsFileOpen() {
		for !p.manager.AreAllParametersSet() && !p.manager.IsKilled() {
			time.Sleep(p.opts.ParametersRetryInterval)
		}

		if p.format != nil && p.manager.AreAllParametersSet() {
			if err := p.format(p.manager.Parameters()); err != nil {
				p.log.Error("format write failed",
					slog.String("output_file", p.manager.OutputFile()),
					slog.String("error", err.Error()))
			}
		} else if !p.manager.AreAllParametersSet() {
			p.log.Warn("writer killed before parameters were set, format skipped")
		}
	}

	if err := p.sink.CloseFile(); err != nil {
		p.log.Error("closing output file failed",
			slog.String("output_file", p.manager.OutputFile()),
			slog.String("error", err.Error()))
		return
	}
	p.log.Info("output file closed", slog.String("output_file", p.manager.OutputFile()))
}

func (p *ProcessManager) lostFrame(frameIndex uint64) {
	p.manager.LostFrame(frameIndex)
	if p.metrics != nil {
		p.metrics.IncFramesLost()
	}
}

func (p *ProcessManager) publishLoop(done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.StatisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.publishStatistics()
		}
	}
}

func (p *ProcessManager) publishStatistics() {
	if p.stats == nil {
		return
	}
	if err := p.stats.Send(transport.StatisticsTopic, p.Statistics()); err != nil {
		p.log.Warn("statistics publish failed", slog.String("error", err.Error()))
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
