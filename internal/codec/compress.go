// Package codec compresses and decompresses frame payloads.
//
// Detector streams may announce a compressed payload in their header; the
// receiver expands it before the frame enters the ring buffer. The file
// writer can compress payload blobs on disk with the same tags.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies a compression algorithm. The string form is what appears in
// stream headers and in the output file.
type Tag uint8

const (
	None Tag = iota
	LZ4
	Zstd
)

// ErrIncompressible is returned by Compress when the output would not be
// smaller than the input. Callers store the data uncompressed instead.
var ErrIncompressible = errors.New("data is incompressible")

// ErrInvalidSize is returned by Decompress for an expected size that is not
// positive or exceeds MaxDecodedSize.
var ErrInvalidSize = errors.New("invalid decompressed size")

// MaxDecodedSize bounds the output of Decompress.
const MaxDecodedSize = 256 << 20

// String returns the header name of a tag.
func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTag parses a header name. An empty name means no compression.
func ParseTag(name string) (Tag, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress appends the compressed form of src to dst[:0]. For None it
// returns src unchanged.
func Compress(dst, src []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return src, nil
	case LZ4:
		bound := lz4.CompressBlockBound(len(src))
		if cap(dst) < bound {
			dst = make([]byte, bound)
		}
		dst = dst[:bound]
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(src) {
			return nil, ErrIncompressible
		}
		return dst[:n], nil
	case Zstd:
		out := zstdEncoder.EncodeAll(src, dst[:0])
		if len(out) >= len(src) {
			return nil, ErrIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

// Decompress expands src into dst, reusing dst's storage when it is large
// enough. size is the expected uncompressed length and must match exactly.
func Decompress(dst, src []byte, tag Tag, size int) ([]byte, error) {
	if size <= 0 || size > MaxDecodedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	switch tag {
	case None:
		if len(src) != size {
			return nil, fmt.Errorf("uncompressed payload: %d bytes, expected %d", len(src), size)
		}
		return src, nil
	case LZ4:
		if cap(dst) < size {
			dst = make([]byte, size)
		}
		dst = dst[:size]
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}
