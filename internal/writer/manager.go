package writer

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"daq-writer/internal/daq"
)

// Status is the externally visible phase of a run.
type Status string

const (
	StatusReceiving            Status = "receiving"
	StatusWriting              Status = "writing"
	StatusWaitingForParameters Status = "waiting for parameters"
	StatusFinished             Status = "finished"
)

// Window is the acquisition window of a run: the pulse identifiers of the
// first and last persisted frames and when the window opened and closed.
type Window struct {
	FirstPulseID uint64
	LastPulseID  uint64
	StartTime    time.Time
	EndTime      time.Time
	Opened       bool
	Closed       bool
}

// Statistics is a snapshot of the run counters.
type Statistics struct {
	RunID               string  `json:"run_id"`
	NReceivedFrames     uint64  `json:"n_received_frames"`
	NWrittenFrames      uint64  `json:"n_written_frames"`
	NLostFrames         uint64  `json:"n_lost_frames"`
	TotalExpectedFrames uint64  `json:"total_expected_frames"`
	NFreeSlots          int     `json:"n_free_slots"`
	FirstPulseID        *uint64 `json:"first_pulse_id,omitempty"`
	LastPulseID         *uint64 `json:"last_pulse_id,omitempty"`
	StartTime           string  `json:"start_time,omitempty"`
	EndTime             string  `json:"end_time,omitempty"`
	ReceivingRate       float64 `json:"receiving_rate"`
	WritingRate         float64 `json:"writing_rate"`
}

// Manager is the shared run state: running and killed flags, frame counters,
// acquisition parameters and the acquisition window. The receive task, the
// persist task and the control surface all use the same Manager.
//
// Flags and counters are atomics; parameters and the window are guarded by
// short-lived mutexes. No method blocks beyond a lock hold.
type Manager struct {
	parametersType map[string]daq.DataType
	outputFile     string
	nFrames        uint64
	runID          string
	log            *slog.Logger

	running   atomic.Bool
	killed    atomic.Bool
	nReceived atomic.Uint64
	nWritten  atomic.Uint64
	nLost     atomic.Uint64

	parametersMu sync.Mutex
	parameters   map[string]daq.Value

	windowMu sync.Mutex
	window   Window
}

// NewManager returns a running Manager. nFrames is the number of frames after
// which the run stops by itself; 0 means the run only ends on Stop or Kill.
// parametersType names the parameters that must be set before the file
// format can be written.
func NewManager(parametersType map[string]daq.DataType, outputFile string, nFrames uint64, runID string, log *slog.Logger) *Manager {
	m := &Manager{
		parametersType: maps.Clone(parametersType),
		outputFile:     outputFile,
		nFrames:        nFrames,
		runID:          runID,
		log:            log,
		parameters:     make(map[string]daq.Value),
	}
	if m.parametersType == nil {
		m.parametersType = make(map[string]daq.DataType)
	}
	m.running.Store(true)
	return m
}

// Stop ends frame reception. Frames already buffered are still written.
func (m *Manager) Stop() {
	if m.running.Swap(false) {
		m.log.Info("stopping writer", slog.String("output_file", m.outputFile))
	}
}

// Kill stops the run and tells the persist task not to wait for parameters.
func (m *Manager) Kill() {
	if !m.killed.Swap(true) {
		m.log.Info("killing writer", slog.String("output_file", m.outputFile))
	}
	m.Stop()
}

// IsRunning reports whether frames should still be received. Once the
// configured number of frames has been received the run stops itself.
func (m *Manager) IsRunning() bool {
	if m.nFrames > 0 && m.nReceived.Load() >= m.nFrames {
		if m.running.Swap(false) {
			m.log.Info("all expected frames received", slog.Uint64("n_frames", m.nFrames))
		}
	}
	return m.running.Load()
}

// IsKilled reports whether Kill was called.
func (m *Manager) IsKilled() bool {
	return m.killed.Load()
}

// Status derives the run phase. The checks are ordered; the first that
// holds wins.
func (m *Manager) Status() Status {
	switch {
	case m.IsRunning():
		return StatusReceiving
	case m.nReceived.Load() > m.nWritten.Load():
		return StatusWriting
	case !m.AreAllParametersSet():
		return StatusWaitingForParameters
	default:
		return StatusFinished
	}
}

// OutputFile returns the output destination of the run.
func (m *Manager) OutputFile() string {
	return m.outputFile
}

// RunID returns the run identifier.
func (m *Manager) RunID() string {
	return m.runID
}

// ParametersType returns a copy of the required parameter types.
func (m *Manager) ParametersType() map[string]daq.DataType {
	return maps.Clone(m.parametersType)
}

// Parameters returns a copy of the parameters set so far.
func (m *Manager) Parameters() map[string]daq.Value {
	m.parametersMu.Lock()
	defer m.parametersMu.Unlock()

	return maps.Clone(m.parameters)
}

// SetParameters merges params into the current parameters; existing names
// are overwritten, others are left untouched.
func (m *Manager) SetParameters(params map[string]daq.Value) {
	m.parametersMu.Lock()
	defer m.parametersMu.Unlock()

	for name, value := range params {
		m.parameters[name] = value
	}
	m.log.Debug("parameters set", slog.Int("count", len(params)))
}

// AreAllParametersSet reports whether every required parameter has a value.
func (m *Manager) AreAllParametersSet() bool {
	m.parametersMu.Lock()
	defer m.parametersMu.Unlock()

	for name := range m.parametersType {
		if _, ok := m.parameters[name]; !ok {
			return false
		}
	}
	return true
}

// ReceivedFrame counts a frame committed to the ring buffer.
func (m *Manager) ReceivedFrame(frameIndex uint64) {
	m.nReceived.Add(1)
}

// WrittenFrame counts a frame fully persisted.
func (m *Manager) WrittenFrame(frameIndex uint64) {
	m.nWritten.Add(1)
}

// LostFrame counts a frame that was announced but not persisted.
func (m *Manager) LostFrame(frameIndex uint64) {
	m.nLost.Add(1)
	m.log.Debug("frame lost", slog.Uint64("frame_index", frameIndex))
}

// ObservePulseID records a pulse identifier seen by the persist task. It
// reports true exactly once per run, for the pulse that opens the window.
func (m *Manager) ObservePulseID(pulseID uint64, now time.Time) bool {
	m.windowMu.Lock()
	defer m.windowMu.Unlock()

	m.window.LastPulseID = pulseID
	if m.window.Opened {
		return false
	}
	m.window.Opened = true
	m.window.FirstPulseID = pulseID
	m.window.StartTime = now
	return true
}

// CloseWindow latches the end of the acquisition window. ok is false when no
// pulse identifier was ever observed or the window is already closed.
func (m *Manager) CloseWindow(now time.Time) (Window, bool) {
	m.windowMu.Lock()
	defer m.windowMu.Unlock()

	if !m.window.Opened || m.window.Closed {
		return m.window, false
	}
	m.window.Closed = true
	m.window.EndTime = now
	return m.window, true
}

// Window returns a snapshot of the acquisition window.
func (m *Manager) Window() Window {
	m.windowMu.Lock()
	defer m.windowMu.Unlock()

	return m.window
}

// Statistics returns a snapshot of the counters. NFreeSlots is left for the
// owner of the slot buffer to fill in. Counters are read
// independently; received and written only agree once the run is quiet.
func (m *Manager) Statistics(now time.Time) Statistics {
	stats := Statistics{
		RunID:               m.runID,
		NReceivedFrames:     m.nReceived.Load(),
		NWrittenFrames:      m.nWritten.Load(),
		NLostFrames:         m.nLost.Load(),
		TotalExpectedFrames: m.nFrames,
	}

	w := m.Window()
	if !w.Opened {
		return stats
	}
	first, last := w.FirstPulseID, w.LastPulseID
	stats.FirstPulseID = &first
	stats.LastPulseID = &last
	stats.StartTime = w.StartTime.UTC().Format(time.RFC3339Nano)

	end := now
	if w.Closed {
		end = w.EndTime
		stats.EndTime = w.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if elapsed := end.Sub(w.StartTime).Seconds(); elapsed > 0 {
		stats.ReceivingRate = float64(stats.NReceivedFrames) / elapsed
		stats.WritingRate = float64(stats.NWrittenFrames) / elapsed
	}
	return stats
}
