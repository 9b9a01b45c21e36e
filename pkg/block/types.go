package block

import "errors"

// Entry represents a key-value pair within the block
type Entry struct {
	Key   []byte
	Value []byte
}

// ID identifies a block. It is the sequence number assigned by the writer and
// determines the object key the block is stored under.
type ID uint64

const (
	// DefaultBlockSize is the raw payload size at which a writer cuts a block
	DefaultBlockSize = 1_000_000
	// MaxBlockSize is the largest raw payload a block may carry
	MaxBlockSize = 1<<32 - 1
	// entryHeaderSize is the per-entry key length + value length prefix
	entryHeaderSize = 4 + 4
	// offsetSize is the width of one offset table slot
	offsetSize = 4
)

var (
	// ErrCorrupt indicates a block blob failed validation while decoding
	ErrCorrupt = errors.New("block corruption detected")
	// ErrEmptyBlock is returned when finishing a builder with no entries
	ErrEmptyBlock = errors.New("cannot finish empty block")
	// ErrBlockTooLarge is returned when the raw payload would overflow the format
	ErrBlockTooLarge = errors.New("block exceeds maximum size")
	// ErrOutOfRange is returned when a value slice lies outside the block payload
	ErrOutOfRange = errors.New("value range outside block payload")
)
