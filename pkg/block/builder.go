package block

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Layout records where a key's value landed inside the decoded payload
type Layout struct {
	Key    []byte
	Offset uint32
	Length uint32
}

// Builder accumulates sorted key/value pairs and serializes them as one block
type Builder struct {
	entries     []Entry
	currentSize uint64
	lastKey     []byte
}

// NewBuilder creates a new block builder
func NewBuilder() *Builder {
	return &Builder{
		entries: make([]Entry, 0, 64),
	}
}

// Add adds a key-value pair to the block.
// Keys must be added in strictly increasing order.
func (b *Builder) Add(key, value []byte) error {
	if len(b.entries) > 0 && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %q after %q",
			key, b.lastKey)
	}

	size := b.currentSize + uint64(entryHeaderSize+offsetSize+len(key)+len(value))
	if size > MaxBlockSize {
		return fmt.Errorf("%w: adding %q would grow payload to %d bytes",
			ErrBlockTooLarge, key, size)
	}

	b.entries = append(b.entries, Entry{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	b.currentSize = size
	b.lastKey = b.entries[len(b.entries)-1].Key

	return nil
}

// Entries returns the number of entries in the block
func (b *Builder) Entries() int {
	return len(b.entries)
}

// EstimatedSize returns the raw payload size the block would have if finished now
func (b *Builder) EstimatedSize() uint64 {
	return b.currentSize
}

// Reset clears the builder state
func (b *Builder) Reset() {
	b.entries = b.entries[:0]
	b.currentSize = 0
	b.lastKey = nil
}

// Finish serializes the buffered pairs as a block compressed with codec. It
// returns the blob and the position of every value in the decoded payload.
// The builder is left untouched and may be Reset for reuse.
func (b *Builder) Finish(codec Codec) ([]byte, []Layout, error) {
	if len(b.entries) == 0 {
		return nil, nil, ErrEmptyBlock
	}
	if !codec.valid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}

	raw := make([]byte, 0, b.currentSize)
	offsets := make([]uint32, 0, len(b.entries))
	layouts := make([]Layout, 0, len(b.entries))

	var scratch [entryHeaderSize]byte
	for _, e := range b.entries {
		entryOffset := uint32(len(raw))
		offsets = append(offsets, entryOffset)

		binary.LittleEndian.PutUint32(scratch[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint32(scratch[4:8], uint32(len(e.Value)))
		raw = append(raw, scratch[:]...)
		raw = append(raw, e.Key...)
		raw = append(raw, e.Value...)

		layouts = append(layouts, Layout{
			Key:    e.Key,
			Offset: entryOffset + entryHeaderSize + uint32(len(e.Key)),
			Length: uint32(len(e.Value)),
		})
	}
	for _, off := range offsets {
		raw = binary.LittleEndian.AppendUint32(raw, off)
	}

	payload, err := compress(codec, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compress block: %w", err)
	}
	if uint64(len(payload)) > MaxBlockSize {
		return nil, nil, fmt.Errorf("%w: compressed payload is %d bytes", ErrBlockTooLarge, len(payload))
	}

	header := NewHeader(codec, uint32(len(b.entries)), uint32(len(raw)),
		uint32(len(payload)), xxhash.Sum64(raw))

	blob := make([]byte, 0, HeaderSize+len(payload))
	blob = append(blob, header.Encode()...)
	blob = append(blob, payload...)

	return blob, layouts, nil
}

// Encode serializes pairs, which must be sorted by strictly increasing key,
// into a single block blob.
func Encode(entries []Entry, codec Codec) ([]byte, error) {
	b := NewBuilder()
	for _, e := range entries {
		if err := b.Add(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	blob, _, err := b.Finish(codec)
	return blob, err
}
