package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// blockOverhead approximates the fixed memory cost of a decoded Block
const blockOverhead = 96

// Block is a decoded, immutable block. It is safe for concurrent use.
type Block struct {
	payload  []byte
	offsets  []uint32
	codec    Codec
	checksum uint64
}

// Decode parses and validates a block blob produced by Builder.Finish.
// Every validation failure wraps ErrCorrupt.
func Decode(blob []byte) (*Block, error) {
	h, err := DecodeHeader(blob)
	if err != nil {
		return nil, err
	}

	if want := uint64(HeaderSize) + uint64(h.CompressedSize); uint64(len(blob)) != want {
		return nil, fmt.Errorf("%w: blob is %d bytes, header describes %d",
			ErrCorrupt, len(blob), want)
	}

	raw, err := decompress(h.Codec, blob[HeaderSize:], int(h.RawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) != int(h.RawSize) {
		return nil, fmt.Errorf("%w: decompressed %d bytes, header describes %d",
			ErrCorrupt, len(raw), h.RawSize)
	}
	if h.Codec == CodecNone {
		// Detach from the caller's buffer
		raw = append([]byte(nil), raw...)
	}

	if sum := xxhash.Sum64(raw); sum != h.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch: expected %d, got %d",
			ErrCorrupt, h.Checksum, sum)
	}

	offsets, err := parseOffsets(raw, int(h.NumEntries))
	if err != nil {
		return nil, err
	}

	return &Block{
		payload:  raw,
		offsets:  offsets,
		codec:    h.Codec,
		checksum: h.Checksum,
	}, nil
}

// parseOffsets reads the offset table and checks that entries are laid out
// back to back with strictly increasing keys.
func parseOffsets(raw []byte, n int) ([]uint32, error) {
	dataEnd := len(raw) - n*offsetSize
	if dataEnd < 0 {
		return nil, fmt.Errorf("%w: offset table larger than payload", ErrCorrupt)
	}

	offsets := make([]uint32, n)
	expected := uint32(0)
	var prevKey []byte

	for i := 0; i < n; i++ {
		off := binary.LittleEndian.Uint32(raw[dataEnd+i*offsetSize:])
		if off != expected {
			return nil, fmt.Errorf("%w: entry %d at offset %d, expected %d",
				ErrCorrupt, i, off, expected)
		}
		if uint64(off)+entryHeaderSize > uint64(dataEnd) {
			return nil, fmt.Errorf("%w: entry %d header out of bounds", ErrCorrupt, i)
		}

		keyLen := binary.LittleEndian.Uint32(raw[off:])
		valLen := binary.LittleEndian.Uint32(raw[off+4:])
		end := uint64(off) + entryHeaderSize + uint64(keyLen) + uint64(valLen)
		if end > uint64(dataEnd) {
			return nil, fmt.Errorf("%w: entry %d extends past data section", ErrCorrupt, i)
		}

		key := raw[off+entryHeaderSize : off+entryHeaderSize+keyLen]
		if i > 0 && bytes.Compare(key, prevKey) <= 0 {
			return nil, fmt.Errorf("%w: keys out of order at entry %d", ErrCorrupt, i)
		}

		offsets[i] = off
		prevKey = key
		expected = uint32(end)
	}

	if int(expected) != dataEnd {
		return nil, fmt.Errorf("%w: %d trailing bytes in data section",
			ErrCorrupt, dataEnd-int(expected))
	}

	return offsets, nil
}

// Len returns the number of entries in the block
func (b *Block) Len() int {
	return len(b.offsets)
}

// Size returns the number of bytes the decoded block occupies in memory
func (b *Block) Size() int64 {
	return int64(len(b.payload)) + int64(len(b.offsets))*offsetSize + blockOverhead
}

// Codec returns the codec the block was stored with
func (b *Block) Codec() Codec {
	return b.codec
}

// Checksum returns the xxhash64 of the decoded payload
func (b *Block) Checksum() uint64 {
	return b.checksum
}

// Entry returns the i-th pair. The returned slices alias the block and must
// not be modified.
func (b *Block) Entry(i int) Entry {
	off := b.offsets[i]
	keyLen := binary.LittleEndian.Uint32(b.payload[off:])
	valLen := binary.LittleEndian.Uint32(b.payload[off+4:])
	keyStart := off + entryHeaderSize
	valStart := keyStart + keyLen
	return Entry{
		Key:   b.payload[keyStart:valStart:valStart],
		Value: b.payload[valStart : valStart+valLen : valStart+valLen],
	}
}

// Entries returns every pair in key order
func (b *Block) Entries() []Entry {
	entries := make([]Entry, len(b.offsets))
	for i := range b.offsets {
		entries[i] = b.Entry(i)
	}
	return entries
}

// Layouts returns the position of every value in the decoded payload, as
// Builder.Finish reported when the block was written. Keys are copied.
func (b *Block) Layouts() []Layout {
	layouts := make([]Layout, len(b.offsets))
	for i, off := range b.offsets {
		keyLen := binary.LittleEndian.Uint32(b.payload[off:])
		valLen := binary.LittleEndian.Uint32(b.payload[off+4:])
		keyStart := off + entryHeaderSize
		layouts[i] = Layout{
			Key:    append([]byte(nil), b.payload[keyStart:keyStart+keyLen]...),
			Offset: keyStart + keyLen,
			Length: valLen,
		}
	}
	return layouts
}

// search returns the index of the first entry with a key >= key
func (b *Block) search(key []byte) int {
	return sort.Search(len(b.offsets), func(i int) bool {
		return bytes.Compare(b.Entry(i).Key, key) >= 0
	})
}

// Get finds key by binary search over the offset table
func (b *Block) Get(key []byte) ([]byte, bool) {
	i := b.search(key)
	if i < len(b.offsets) {
		if e := b.Entry(i); bytes.Equal(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

// Value returns the slice of the decoded payload described by an index
// location, without copying.
func (b *Block) Value(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(b.payload)) {
		return nil, fmt.Errorf("%w: [%d, %d) beyond %d bytes",
			ErrOutOfRange, offset, end, len(b.payload))
	}
	return b.payload[offset:end:end], nil
}

// Iterator returns an iterator over the block's pairs
func (b *Block) Iterator() *Iterator {
	return &Iterator{block: b, pos: -1}
}

// Iterator walks the pairs of a Block in key order
type Iterator struct {
	block *Block
	pos   int
	entry Entry
}

// SeekToFirst positions the iterator at the first entry
func (it *Iterator) SeekToFirst() {
	it.setPos(0)
}

// Seek positions the iterator at the first entry with key >= target
func (it *Iterator) Seek(target []byte) bool {
	it.setPos(it.block.search(target))
	return it.Valid()
}

// Next advances the iterator to the next entry
func (it *Iterator) Next() bool {
	if it.pos < 0 {
		it.setPos(0)
	} else {
		it.setPos(it.pos + 1)
	}
	return it.Valid()
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.pos >= 0 && it.pos < it.block.Len()
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entry.Key
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entry.Value
}

func (it *Iterator) setPos(pos int) {
	it.pos = pos
	if it.Valid() {
		it.entry = it.block.Entry(pos)
	} else {
		it.entry = Entry{}
	}
}
