package index

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KevoDB/s3kv/pkg/block"
)

const (
	// snapshotMagic starts every persisted index snapshot
	snapshotMagic = "S3KVIDX\x00"
	// SnapshotVersion is the current snapshot format version
	SnapshotVersion = 1

	checksumSize = 8
)

// Snapshot message fields
const (
	fieldVersion protowire.Number = 1
	fieldNextID  protowire.Number = 2
	fieldEntry   protowire.Number = 3
)

// Entry message fields, shared with the badger value encoding
const (
	fieldKey    protowire.Number = 1
	fieldBlock  protowire.Number = 2
	fieldOffset protowire.Number = 3
	fieldLength protowire.Number = 4
)

func appendLocation(b []byte, loc Location) []byte {
	b = protowire.AppendTag(b, fieldBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(loc.Block))
	b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(loc.Offset))
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(loc.Length))
	return b
}

// EncodeSnapshot serializes a snapshot: magic, a protobuf-wire body and an
// xxhash64 trailer over everything before it. Entries are written in key order.
func EncodeSnapshot(s *Snapshot) []byte {
	buf := make([]byte, 0, len(snapshotMagic)+s.Len()*32+checksumSize)
	buf = append(buf, snapshotMagic...)

	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, SnapshotVersion)
	buf = protowire.AppendTag(buf, fieldNextID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.NextBlockID()))

	var msg []byte
	s.Range(nil, nil, func(key []byte, loc Location) bool {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, fieldKey, protowire.BytesType)
		msg = protowire.AppendBytes(msg, key)
		msg = appendLocation(msg, loc)

		buf = protowire.AppendTag(buf, fieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
		return true
	})

	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

// DecodeSnapshot parses data written by EncodeSnapshot
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < len(snapshotMagic)+checksumSize {
		return nil, fmt.Errorf("%w: snapshot too small: %d bytes", ErrCorruptIndex, len(data))
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad snapshot magic", ErrCorruptIndex)
	}

	bodyEnd := len(data) - checksumSize
	if want, got := binary.LittleEndian.Uint64(data[bodyEnd:]), xxhash.Sum64(data[:bodyEnd]); want != got {
		return nil, fmt.Errorf("%w: snapshot checksum mismatch: expected %d, got %d",
			ErrCorruptIndex, want, got)
	}

	var (
		sawVersion bool
		nextID     uint64
		entries    = make(map[string]Location)
	)

	b := data[len(snapshotMagic):bodyEnd]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrCorruptIndex, protowire.ParseError(n))
			}
			if v != SnapshotVersion {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			sawVersion = true
			b = b[n:]

		case num == fieldNextID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: next id: %v", ErrCorruptIndex, protowire.ParseError(n))
			}
			nextID = v
			b = b[n:]

		case num == fieldEntry && typ == protowire.BytesType:
			if !sawVersion {
				return nil, fmt.Errorf("%w: entry before version", ErrCorruptIndex)
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: entry: %v", ErrCorruptIndex, protowire.ParseError(n))
			}
			key, loc, err := decodeEntry(msg)
			if err != nil {
				return nil, err
			}
			entries[string(key)] = loc
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptIndex, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawVersion {
		return nil, fmt.Errorf("%w: missing version", ErrUnsupportedVersion)
	}
	return newSnapshot(0, block.ID(nextID), entries), nil
}

// decodeEntry parses one entry message. The key field is optional so the
// same decoder reads badger values, which carry the key out of band.
func decodeEntry(b []byte) ([]byte, Location, error) {
	var (
		key []byte
		loc Location
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, loc, fmt.Errorf("%w: entry tag: %v", ErrCorruptIndex, protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldKey && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, loc, fmt.Errorf("%w: entry key: %v", ErrCorruptIndex, protowire.ParseError(n))
			}
			key = append([]byte(nil), v...)
			b = b[n:]
			continue
		}

		if typ != protowire.VarintType || num < fieldBlock || num > fieldLength {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, loc, fmt.Errorf("%w: entry field %d: %v", ErrCorruptIndex, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, loc, fmt.Errorf("%w: entry field %d: %v", ErrCorruptIndex, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldBlock:
			loc.Block = block.ID(v)
		case fieldOffset:
			if v > 1<<32-1 {
				return nil, loc, fmt.Errorf("%w: offset %d overflows", ErrCorruptIndex, v)
			}
			loc.Offset = uint32(v)
		case fieldLength:
			if v > 1<<32-1 {
				return nil, loc, fmt.Errorf("%w: length %d overflows", ErrCorruptIndex, v)
			}
			loc.Length = uint32(v)
		}
	}
	return key, loc, nil
}
