// Package ringbuffer holds received frames between the receive task and the
// persist task.
//
// The buffer is a fixed set of slots allocated once. Slot indices circulate
// through two channels used as counting semaphores: free holds the indices
// the producer may fill, filled holds the indices the consumer may read, in
// the order they were written. A slot is in exactly one of the states free,
// filled or reading; transitions are checked with an atomic per-slot state
// so a double release is reported instead of corrupting the buffer.
//
// The buffer assumes a single producer and a single consumer.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"daq-writer/internal/daq"
)

var (
	// ErrBufferFull is returned by Write when no slot became free before the
	// write timeout expired.
	ErrBufferFull = errors.New("ring buffer full")

	// ErrFrameTooLarge is returned by Write when the payload exceeds the slot size.
	ErrFrameTooLarge = errors.New("frame larger than slot")

	// ErrInvalidRelease is returned by Release for a slot that is not
	// currently handed out by Read.
	ErrInvalidRelease = errors.New("slot is not being read")
)

const (
	stateFree int32 = iota
	stateFilled
	stateReading
)

type slot struct {
	state atomic.Int32
	meta  daq.FrameMetadata
	data  []byte
	size  int
}

// Frame is a filled slot handed to the consumer. Payload aliases slot memory
// and is valid until the slot is released.
type Frame struct {
	Metadata daq.FrameMetadata
	Payload  []byte
}

// RingBuffer is a fixed-capacity single-producer single-consumer slot buffer.
type RingBuffer struct {
	slots     []slot
	slotBytes int
	free      chan int
	filled    chan int
}

// New allocates a buffer of nSlots slots holding up to slotBytes payload bytes each.
func New(nSlots, slotBytes int) (*RingBuffer, error) {
	if nSlots <= 0 {
		return nil, fmt.Errorf("ring buffer needs at least one slot, got %d", nSlots)
	}
	if slotBytes <= 0 {
		return nil, fmt.Errorf("ring buffer slot size must be positive, got %d", slotBytes)
	}

	rb := &RingBuffer{
		slots:     make([]slot, nSlots),
		slotBytes: slotBytes,
		free:      make(chan int, nSlots),
		filled:    make(chan int, nSlots),
	}
	for i := range rb.slots {
		rb.slots[i].data = make([]byte, slotBytes)
		rb.free <- i
	}
	return rb, nil
}

// Write copies payload into a free slot and queues it for reading. It blocks
// up to timeout for a free slot and returns ErrBufferFull if none appears; a
// non-positive timeout makes Write fail immediately when the buffer is full.
// The metadata is owned by the buffer after a successful Write.
func (rb *RingBuffer) Write(meta daq.FrameMetadata, payload []byte, timeout time.Duration) (int, error) {
	if len(payload) > rb.slotBytes {
		return -1, fmt.Errorf("%w: %d bytes, slot holds %d", ErrFrameTooLarge, len(payload), rb.slotBytes)
	}

	idx, err := rb.acquire(timeout)
	if err != nil {
		return -1, err
	}

	s := &rb.slots[idx]
	s.size = copy(s.data, payload)
	meta.SlotIndex = idx
	meta.PayloadSize = s.size
	s.meta = meta
	s.state.Store(stateFilled)

	rb.filled <- idx
	return idx, nil
}

func (rb *RingBuffer) acquire(timeout time.Duration) (int, error) {
	select {
	case idx := <-rb.free:
		return idx, nil
	default:
	}
	if timeout <= 0 {
		return -1, ErrBufferFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case idx := <-rb.free:
		return idx, nil
	case <-timer.C:
		return -1, ErrBufferFull
	}
}

// Read pops the oldest filled slot. ok is false when nothing is buffered;
// callers poll rather than spin. Every successful Read must be followed by
// exactly one Release of Frame.Metadata.SlotIndex.
func (rb *RingBuffer) Read() (Frame, bool) {
	var idx int
	select {
	case idx = <-rb.filled:
	default:
		return Frame{}, false
	}

	s := &rb.slots[idx]
	s.state.Store(stateReading)
	return Frame{Metadata: s.meta, Payload: s.data[:s.size]}, true
}

// Release returns a slot obtained from Read to the free pool.
func (rb *RingBuffer) Release(idx int) error {
	if idx < 0 || idx >= len(rb.slots) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidRelease, idx)
	}

	s := &rb.slots[idx]
	if !s.state.CompareAndSwap(stateReading, stateFree) {
		return fmt.Errorf("%w: slot %d", ErrInvalidRelease, idx)
	}
	s.meta = daq.FrameMetadata{}
	s.size = 0

	rb.free <- idx
	return nil
}

// IsEmpty reports whether no filled slot is waiting to be read. The result
// is a snapshot.
func (rb *RingBuffer) IsEmpty() bool {
	return len(rb.filled) == 0
}

// FreeSlots returns a snapshot of the number of slots available to Write.
func (rb *RingBuffer) FreeSlots() int {
	return len(rb.free)
}

// Capacity returns the number of slots.
func (rb *RingBuffer) Capacity() int {
	return len(rb.slots)
}

// SlotBytes returns the payload capacity of one slot.
func (rb *RingBuffer) SlotBytes() int {
	return rb.slotBytes
}
