package block

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Codec selects the compressor applied to a block payload
type Codec uint8

// Supported compression codecs. The numeric values are part of the block format.
const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
	CodecLZMA
	unknownCodec
)

// DefaultCodec is the codec used when none is configured
const DefaultCodec = CodecZstd

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

func (c Codec) valid() bool {
	return c < unknownCodec
}

// String returns the configuration name of the codec
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	case CodecLZMA:
		return "lzma"
	default:
		return fmt.Sprintf("%s %d", ErrUnknownCodec, uint8(c))
	}
}

// ParseCodec returns the codec with the given configuration name
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	case "lzma", "xz":
		return CodecLZMA, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// EncodeAll and DecodeAll are safe for concurrent use, so a single encoder and
// decoder pair is shared by every block.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create ZSTD encoder: %w", zstdErr)
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if zstdErr != nil {
			zstdEncoder.Close()
			zstdErr = fmt.Errorf("failed to create ZSTD decoder: %w", zstdErr)
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compress compresses data using the specified codec
func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create LZMA writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress with LZMA: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish LZMA stream: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}
}

// decompress decompresses data using the specified codec. rawSize bounds the
// output so a damaged length field cannot trigger an unbounded allocation.
func decompress(codec Codec, data []byte, rawSize int) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		result, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return result, nil

	case CodecSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("%w: snappy length %d, expected %d", ErrInvalidCompressedData, n, rawSize)
		}
		result, err := snappy.Decode(make([]byte, n), data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return result, nil

	case CodecLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		result, err := io.ReadAll(io.LimitReader(r, int64(rawSize)+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}
}
