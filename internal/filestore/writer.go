// Package filestore persists frame streams into a structured output file.
//
// Each run writes one SQLite file. Every named stream becomes a dataset whose
// layout (shape, element type, byte order) is fixed by its first frame; each
// frame is one row keyed by frame index. The format block (attributes and
// links derived from acquisition parameters) is written separately once the
// parameters are known.
package filestore

import (
	"fmt"
	"log/slog"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
)

// DefaultCommitEvery is the number of frame rows per transaction when Options
// does not say otherwise.
const DefaultCommitEvery = 100

// Options configures how the output file is written.
type Options struct {
	// Compression is applied to each stored frame blob. Blobs that do not
	// shrink are stored uncompressed.
	Compression codec.Tag

	// CommitEvery is the number of frame rows per transaction.
	CommitEvery int

	// RunID is stamped into the file as the root attribute run_id.
	RunID string
}

// Writer creates the output file on the first write and owns it until
// CloseFile. It is not safe for concurrent use; the persist task is its only
// user.
type Writer struct {
	path string
	opts Options
	log  *slog.Logger
	file *File
}

// NewWriter returns a Writer for the file at path. Nothing is created on disk
// until the first WriteData.
func NewWriter(path string, opts Options, log *slog.Logger) *Writer {
	return &Writer{path: path, opts: opts, log: log}
}

// WriteData stores one frame of the named stream.
func (w *Writer) WriteData(stream string, frameIndex uint64, payload []byte, shape []uint64,
	elementSize int, dtype daq.DataType, order daq.Endianness) error {
	if w.file == nil {
		f, err := createFile(w.path, w.opts)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		w.log.Info("output file created", slog.String("output_file", w.path))
		w.file = f
	}

	return w.file.writeFrame(stream, frameIndex, payload, dataset{
		dtype:       dtype,
		order:       order,
		elementSize: elementSize,
		shape:       shape,
	})
}

// IsFileOpen reports whether the output file has been created and not yet closed.
func (w *Writer) IsFileOpen() bool {
	return w.file != nil
}

// File returns the open output file, or nil.
func (w *Writer) File() *File {
	return w.file
}

// WriteFormat writes the format block for the open file.
func (w *Writer) WriteFormat(format *Format, params map[string]daq.Value) error {
	if w.file == nil {
		return ErrFileClosed
	}
	return WriteFormat(w.file, format, params)
}

// CloseFile flushes and closes the output file. Closing a writer that never
// created a file is a no-op.
func (w *Writer) CloseFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	w.log.Info("output file closed", slog.String("output_file", w.path))
	return nil
}
