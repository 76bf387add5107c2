package filestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	_ "modernc.org/sqlite"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
)

var (
	// ErrFileClosed is returned when writing to a file that was already closed.
	ErrFileClosed = errors.New("output file is closed")

	// ErrShapeMismatch is returned when a stream receives a frame whose shape
	// or type differs from the first frame written to it.
	ErrShapeMismatch = errors.New("frame does not match dataset layout")
)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	name         TEXT PRIMARY KEY,
	dtype        TEXT NOT NULL,
	byte_order   TEXT NOT NULL,
	element_size INTEGER NOT NULL,
	shape        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS frames (
	dataset     TEXT NOT NULL,
	frame_index INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	compression TEXT NOT NULL,
	data        BLOB NOT NULL,
	PRIMARY KEY (dataset, frame_index)
);
CREATE TABLE IF NOT EXISTS attributes (
	path  TEXT NOT NULL,
	name  TEXT NOT NULL,
	dtype TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (path, name)
);
CREATE TABLE IF NOT EXISTS links (
	path   TEXT PRIMARY KEY,
	target TEXT NOT NULL
);
`

// dataset is the layout fixed by the first frame written to a stream.
type dataset struct {
	dtype       daq.DataType
	order       daq.Endianness
	elementSize int
	shape       []uint64
}

// File is an open output file: a SQLite database holding one dataset per
// stream. Writes are batched into transactions of commitEvery frames; frames
// in an uncommitted batch are lost if the process dies.
type File struct {
	path        string
	db          *sql.DB
	tx          *sql.Tx
	compression codec.Tag
	commitEvery int
	pending     int
	datasets    map[string]dataset
	scratch     []byte
}

// createFile creates path, truncating any existing file.
func createFile(path string, opts Options) (*File, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite file: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	f := &File{
		path:        path,
		db:          db,
		compression: opts.Compression,
		commitEvery: opts.CommitEvery,
		datasets:    make(map[string]dataset),
	}
	if f.commitEvery <= 0 {
		f.commitEvery = DefaultCommitEvery
	}
	if err := f.begin(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.RunID != "" {
		if err := f.putAttribute("/", "run_id", daq.StringValue(opts.RunID)); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Path returns the file's location on disk.
func (f *File) Path() string { return f.path }

func (f *File) begin() error {
	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	f.tx = tx
	f.pending = 0
	return nil
}

// Flush commits the current batch and opens a new one.
func (f *File) Flush() error {
	if f.tx == nil {
		return ErrFileClosed
	}
	if err := f.tx.Commit(); err != nil {
		f.tx = nil
		return fmt.Errorf("commit: %w", err)
	}
	return f.begin()
}

func (f *File) writeFrame(stream string, frameIndex uint64, payload []byte, layout dataset) error {
	if f.tx == nil {
		return ErrFileClosed
	}

	existing, ok := f.datasets[stream]
	if !ok {
		shape, err := json.Marshal(layout.shape)
		if err != nil {
			return err
		}
		if _, err := f.tx.Exec(
			`INSERT INTO datasets (name, dtype, byte_order, element_size, shape) VALUES (?, ?, ?, ?, ?)`,
			stream, string(layout.dtype), string(layout.order), layout.elementSize, string(shape),
		); err != nil {
			return fmt.Errorf("create dataset %s: %w", stream, err)
		}
		layout.shape = slices.Clone(layout.shape)
		f.datasets[stream] = layout
	} else if existing.dtype != layout.dtype || existing.order != layout.order ||
		existing.elementSize != layout.elementSize || !slices.Equal(existing.shape, layout.shape) {
		return fmt.Errorf("%w: stream %s frame %d", ErrShapeMismatch, stream, frameIndex)
	}

	data, tag := payload, codec.None
	if f.compression != codec.None {
		compressed, err := codec.Compress(f.scratch, payload, f.compression)
		switch {
		case err == nil:
			data, tag = compressed, f.compression
			f.scratch = compressed[:0]
		case !errors.Is(err, codec.ErrIncompressible):
			return err
		}
	}

	if _, err := f.tx.Exec(
		`INSERT OR REPLACE INTO frames (dataset, frame_index, size, compression, data) VALUES (?, ?, ?, ?, ?)`,
		stream, int64(frameIndex), len(payload), tag.String(), data,
	); err != nil {
		return fmt.Errorf("write %s frame %d: %w", stream, frameIndex, err)
	}

	f.pending++
	if f.pending >= f.commitEvery {
		return f.Flush()
	}
	return nil
}

func (f *File) putAttribute(path, name string, v daq.Value) error {
	if f.tx == nil {
		return ErrFileClosed
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := f.tx.Exec(
		`INSERT OR REPLACE INTO attributes (path, name, dtype, value) VALUES (?, ?, ?, ?)`,
		path, name, string(v.Type()), string(encoded),
	); err != nil {
		return fmt.Errorf("write attribute %s/%s: %w", path, name, err)
	}
	return nil
}

func (f *File) putLink(path, target string) error {
	if f.tx == nil {
		return ErrFileClosed
	}
	if _, ok := f.datasets[target]; !ok {
		return fmt.Errorf("link %s: dataset %q does not exist", path, target)
	}
	if _, err := f.tx.Exec(`INSERT OR REPLACE INTO links (path, target) VALUES (?, ?)`, path, target); err != nil {
		return fmt.Errorf("write link %s: %w", path, err)
	}
	return nil
}

// Close commits outstanding frames and closes the database.
func (f *File) Close() error {
	var errs []error
	if f.tx != nil {
		if err := f.tx.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("commit: %w", err))
		}
		f.tx = nil
	}
	if f.db != nil {
		if err := f.db.Close(); err != nil {
			errs = append(errs, err)
		}
		f.db = nil
	}
	return errors.Join(errs...)
}
