package block

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize is the fixed size of the block header in bytes
	HeaderSize = 32
	// HeaderMagic identifies an s3kv block ("S3KV" little-endian)
	HeaderMagic = uint32(0x564B3353)
	// CurrentVersion is the current block format version
	CurrentVersion = uint16(1)
)

// Header precedes the compressed payload of every block object
type Header struct {
	// Magic number for integrity checking
	Magic uint32
	// Version of the block format
	Version uint16
	// Codec used to compress the payload
	Codec Codec
	// Flags is reserved and always zero in version 1
	Flags uint8
	// NumEntries is the number of key/value pairs
	NumEntries uint32
	// RawSize is the length of the uncompressed payload
	RawSize uint32
	// CompressedSize is the length of the payload following the header
	CompressedSize uint32
	// Checksum is the xxhash64 of the uncompressed payload
	Checksum uint64
	// HeaderChecksum covers the 28 bytes before it
	HeaderChecksum uint32
}

// NewHeader creates a header for a payload with the given parameters
func NewHeader(codec Codec, numEntries, rawSize, compressedSize uint32, checksum uint64) *Header {
	return &Header{
		Magic:          HeaderMagic,
		Version:        CurrentVersion,
		Codec:          codec,
		NumEntries:     numEntries,
		RawSize:        rawSize,
		CompressedSize: compressedSize,
		Checksum:       checksum,
	}
}

// Encode serializes the header to a byte slice
func (h *Header) Encode() []byte {
	result := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(result[0:4], h.Magic)
	binary.LittleEndian.PutUint16(result[4:6], h.Version)
	result[6] = byte(h.Codec)
	result[7] = h.Flags
	binary.LittleEndian.PutUint32(result[8:12], h.NumEntries)
	binary.LittleEndian.PutUint32(result[12:16], h.RawSize)
	binary.LittleEndian.PutUint32(result[16:20], h.CompressedSize)
	binary.LittleEndian.PutUint64(result[20:28], h.Checksum)

	h.HeaderChecksum = uint32(xxhash.Sum64(result[:28]))
	binary.LittleEndian.PutUint32(result[28:], h.HeaderChecksum)

	return result
}

// DecodeHeader parses a header from the start of a block blob
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header too small: %d bytes, expected %d",
			ErrCorrupt, len(data), HeaderSize)
	}

	h := &Header{
		Magic:          binary.LittleEndian.Uint32(data[0:4]),
		Version:        binary.LittleEndian.Uint16(data[4:6]),
		Codec:          Codec(data[6]),
		Flags:          data[7],
		NumEntries:     binary.LittleEndian.Uint32(data[8:12]),
		RawSize:        binary.LittleEndian.Uint32(data[12:16]),
		CompressedSize: binary.LittleEndian.Uint32(data[16:20]),
		Checksum:       binary.LittleEndian.Uint64(data[20:28]),
		HeaderChecksum: binary.LittleEndian.Uint32(data[28:32]),
	}

	if h.Magic != HeaderMagic {
		return nil, fmt.Errorf("%w: invalid header magic: %x, expected %x",
			ErrCorrupt, h.Magic, HeaderMagic)
	}

	if expected := uint32(xxhash.Sum64(data[:28])); h.HeaderChecksum != expected {
		return nil, fmt.Errorf("%w: header checksum mismatch: blob has %d, calculated %d",
			ErrCorrupt, h.HeaderChecksum, expected)
	}

	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported block version %d", ErrCorrupt, h.Version)
	}

	if !h.Codec.valid() {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, h.Codec)
	}

	if uint64(h.NumEntries)*(entryHeaderSize+offsetSize) > uint64(h.RawSize) {
		return nil, fmt.Errorf("%w: %d entries cannot fit in %d bytes",
			ErrCorrupt, h.NumEntries, h.RawSize)
	}

	return h, nil
}
