package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
)

var allCodecs = []Codec{CodecNone, CodecZstd, CodecSnappy, CodecLZMA}

func makeEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{
			Key:   []byte(fmt.Sprintf("key%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d-%s", i, bytes.Repeat([]byte{'x'}, i%17))),
		}
	}
	return entries
}

func TestBlockRoundTrip(t *testing.T) {
	for _, codec := range allCodecs {
		t.Run(codec.String(), func(t *testing.T) {
			entries := makeEntries(200)

			blob, err := Encode(entries, codec)
			if err != nil {
				t.Fatalf("Failed to encode block: %v", err)
			}

			blk, err := Decode(blob)
			if err != nil {
				t.Fatalf("Failed to decode block: %v", err)
			}

			if blk.Len() != len(entries) {
				t.Fatalf("Expected %d entries, got %d", len(entries), blk.Len())
			}
			if blk.Codec() != codec {
				t.Errorf("Expected codec %v, got %v", codec, blk.Codec())
			}

			for i, got := range blk.Entries() {
				if !bytes.Equal(got.Key, entries[i].Key) || !bytes.Equal(got.Value, entries[i].Value) {
					t.Errorf("Entry %d mismatch: got %q=%q, want %q=%q",
						i, got.Key, got.Value, entries[i].Key, entries[i].Value)
				}
			}
		})
	}
}

func TestBlockEmptyValuesAndKeys(t *testing.T) {
	entries := []Entry{
		{Key: []byte{}, Value: []byte("empty key")},
		{Key: []byte("a"), Value: nil},
		{Key: []byte("b"), Value: []byte{0, 0, 0}},
	}

	blob, err := Encode(entries, CodecZstd)
	if err != nil {
		t.Fatalf("Failed to encode block: %v", err)
	}
	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}

	for _, e := range entries {
		v, ok := blk.Get(e.Key)
		if !ok {
			t.Fatalf("Key %q not found", e.Key)
		}
		if !bytes.Equal(v, e.Value) {
			t.Errorf("Value mismatch for %q: got %v, want %v", e.Key, v, e.Value)
		}
	}
}

func TestBuilderRejectsUnsortedKeys(t *testing.T) {
	b := NewBuilder()
	if err := b.Add([]byte("b"), []byte("1")); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	if err := b.Add([]byte("a"), []byte("2")); err == nil {
		t.Error("Expected error adding smaller key")
	}
	if err := b.Add([]byte("b"), []byte("3")); err == nil {
		t.Error("Expected error adding duplicate key")
	}
	if b.Entries() != 1 {
		t.Errorf("Expected 1 entry, got %d", b.Entries())
	}
}

func TestBuilderEmpty(t *testing.T) {
	b := NewBuilder()
	if _, _, err := b.Finish(CodecZstd); !errors.Is(err, ErrEmptyBlock) {
		t.Errorf("Expected ErrEmptyBlock, got %v", err)
	}
}

func TestBuilderCopiesInput(t *testing.T) {
	b := NewBuilder()
	key := []byte("key")
	value := []byte("value")
	if err := b.Add(key, value); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	key[0] = 'X'
	value[0] = 'X'

	blob, _, err := b.Finish(CodecSnappy)
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}
	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}
	if v, ok := blk.Get([]byte("key")); !ok || string(v) != "value" {
		t.Errorf("Expected key=value, got %q (found=%v)", v, ok)
	}
}

func TestBuilderLayouts(t *testing.T) {
	entries := makeEntries(50)
	b := NewBuilder()
	for _, e := range entries {
		if err := b.Add(e.Key, e.Value); err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
	}

	if b.EstimatedSize() == 0 {
		t.Error("Expected non-zero estimated size")
	}

	blob, layouts, err := b.Finish(CodecZstd)
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}
	if len(layouts) != len(entries) {
		t.Fatalf("Expected %d layouts, got %d", len(entries), len(layouts))
	}

	h, err := DecodeHeader(blob)
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}
	if uint64(h.RawSize) != b.EstimatedSize() {
		t.Errorf("Estimated size %d differs from raw size %d", b.EstimatedSize(), h.RawSize)
	}

	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}
	for i, l := range layouts {
		if !bytes.Equal(l.Key, entries[i].Key) {
			t.Errorf("Layout %d has key %q, want %q", i, l.Key, entries[i].Key)
		}
		v, err := blk.Value(l.Offset, l.Length)
		if err != nil {
			t.Fatalf("Failed to slice value %d: %v", i, err)
		}
		if !bytes.Equal(v, entries[i].Value) {
			t.Errorf("Value %d mismatch: got %q, want %q", i, v, entries[i].Value)
		}
	}

	decoded := blk.Layouts()
	if len(decoded) != len(layouts) {
		t.Fatalf("Decoded block reports %d layouts, want %d", len(decoded), len(layouts))
	}
	for i := range layouts {
		if !bytes.Equal(decoded[i].Key, layouts[i].Key) ||
			decoded[i].Offset != layouts[i].Offset || decoded[i].Length != layouts[i].Length {
			t.Errorf("Layout %d: decoded %+v, built %+v", i, decoded[i], layouts[i])
		}
	}

	if _, err := blk.Value(uint32(len(blk.payload)), 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}

	b.Reset()
	if b.Entries() != 0 || b.EstimatedSize() != 0 {
		t.Errorf("Expected empty builder after reset")
	}
}

func TestBlockGet(t *testing.T) {
	entries := makeEntries(100)
	blob, err := Encode(entries, CodecNone)
	if err != nil {
		t.Fatalf("Failed to encode block: %v", err)
	}
	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}

	for _, e := range entries {
		v, ok := blk.Get(e.Key)
		if !ok || !bytes.Equal(v, e.Value) {
			t.Errorf("Get(%q) = %q, %v", e.Key, v, ok)
		}
	}

	for _, missing := range []string{"", "aaa", "key00010x", "zzz"} {
		if _, ok := blk.Get([]byte(missing)); ok {
			t.Errorf("Expected %q to be missing", missing)
		}
	}
}

func TestBlockIterator(t *testing.T) {
	entries := makeEntries(20)
	blob, err := Encode(entries, CodecZstd)
	if err != nil {
		t.Fatalf("Failed to encode block: %v", err)
	}
	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}

	iter := blk.Iterator()
	i := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if !bytes.Equal(iter.Key(), entries[i].Key) {
			t.Errorf("Iterator position %d: got %q, want %q", i, iter.Key(), entries[i].Key)
		}
		i++
	}
	if i != len(entries) {
		t.Errorf("Iterated %d entries, want %d", i, len(entries))
	}

	if !iter.Seek([]byte("key00007a")) {
		t.Fatal("Expected Seek to land on an entry")
	}
	if string(iter.Key()) != "key00008" {
		t.Errorf("Seek landed on %q, want key00008", iter.Key())
	}
	if iter.Seek([]byte("zzz")) {
		t.Error("Expected Seek past the end to be invalid")
	}
	if iter.Key() != nil || iter.Value() != nil {
		t.Error("Expected nil key and value on invalid iterator")
	}
}

func TestDecodeCorruption(t *testing.T) {
	entries := makeEntries(64)

	for _, codec := range allCodecs {
		blob, err := Encode(entries, codec)
		if err != nil {
			t.Fatalf("Failed to encode block: %v", err)
		}

		cases := map[string][]byte{
			"empty":     {},
			"short":     blob[:HeaderSize-1],
			"truncated": blob[:len(blob)-1],
			"trailing":  append(append([]byte(nil), blob...), 0),
		}

		badMagic := append([]byte(nil), blob...)
		badMagic[0] ^= 0xff
		cases["bad magic"] = badMagic

		badHeader := append([]byte(nil), blob...)
		badHeader[9] ^= 0x01
		cases["header checksum"] = badHeader

		badPayload := append([]byte(nil), blob...)
		badPayload[HeaderSize+(len(badPayload)-HeaderSize)/2] ^= 0x55
		cases["payload"] = badPayload

		for name, data := range cases {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
					t.Errorf("Expected ErrCorrupt, got %v", err)
				}
			})
		}
	}
}

// rawBlob wraps an uncompressed payload in a valid header
func rawBlob(raw []byte, numEntries uint32) []byte {
	h := NewHeader(CodecNone, numEntries, uint32(len(raw)), uint32(len(raw)), xxhash.Sum64(raw))
	return append(h.Encode(), raw...)
}

func appendEntry(raw []byte, key, value string) []byte {
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(key)))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(value)))
	raw = append(raw, key...)
	return append(raw, value...)
}

func TestDecodeRejectsBadLayout(t *testing.T) {
	t.Run("keys out of order", func(t *testing.T) {
		raw := appendEntry(nil, "b", "1")
		second := uint32(len(raw))
		raw = appendEntry(raw, "a", "2")
		raw = binary.LittleEndian.AppendUint32(raw, 0)
		raw = binary.LittleEndian.AppendUint32(raw, second)

		if _, err := Decode(rawBlob(raw, 2)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("offset out of bounds", func(t *testing.T) {
		raw := appendEntry(nil, "a", "1")
		raw = binary.LittleEndian.AppendUint32(raw, 1000)

		if _, err := Decode(rawBlob(raw, 1)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("value length overflows", func(t *testing.T) {
		raw := binary.LittleEndian.AppendUint32(nil, 1)
		raw = binary.LittleEndian.AppendUint32(raw, 1<<20)
		raw = append(raw, 'a')
		raw = binary.LittleEndian.AppendUint32(raw, 0)

		if _, err := Decode(rawBlob(raw, 1)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("unknown codec", func(t *testing.T) {
		raw := appendEntry(nil, "a", "1")
		raw = binary.LittleEndian.AppendUint32(raw, 0)
		h := NewHeader(Codec(42), 1, uint32(len(raw)), uint32(len(raw)), xxhash.Sum64(raw))

		if _, err := Decode(append(h.Encode(), raw...)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	blob, err := Encode(makeEntries(3), CodecNone)
	if err != nil {
		t.Fatalf("Failed to encode block: %v", err)
	}
	blk, err := Decode(blob)
	if err != nil {
		t.Fatalf("Failed to decode block: %v", err)
	}
	for i := range blob {
		blob[i] = 0
	}
	if v, ok := blk.Get([]byte("key00001")); !ok || !bytes.HasPrefix(v, []byte("value-00001")) {
		t.Errorf("Decoded block changed with input buffer: %q", v)
	}
}

func TestParseCodec(t *testing.T) {
	for _, codec := range allCodecs {
		got, err := ParseCodec(codec.String())
		if err != nil {
			t.Fatalf("ParseCodec(%q) failed: %v", codec.String(), err)
		}
		if got != codec {
			t.Errorf("ParseCodec(%q) = %v", codec.String(), got)
		}
	}
	if _, err := ParseCodec("brotli"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Expected ErrUnknownCodec, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		id   ID
		want string
	}{
		{0, "block/00"},
		{1, "block/01"},
		{127, "block/7f"},
		{128, "block/8001"},
		{300, "block/ac02"},
	}

	for _, tt := range tests {
		if got := ObjectKey(tt.id); got != tt.want {
			t.Errorf("ObjectKey(%d) = %q, want %q", tt.id, got, tt.want)
		}
		id, err := ParseObjectKey(tt.want)
		if err != nil {
			t.Fatalf("ParseObjectKey(%q) failed: %v", tt.want, err)
		}
		if id != tt.id {
			t.Errorf("ParseObjectKey(%q) = %d, want %d", tt.want, id, tt.id)
		}
	}

	for _, bad := range []string{"index/default.idx", "block/zz", "block/", "block/80"} {
		if _, err := ParseObjectKey(bad); err == nil {
			t.Errorf("Expected error parsing %q", bad)
		}
	}
}

func BenchmarkDecode(b *testing.B) {
	entries := makeEntries(2000)
	blob, err := Encode(entries, CodecZstd)
	if err != nil {
		b.Fatalf("Failed to encode block: %v", err)
	}

	b.SetBytes(int64(len(blob)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(blob); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBlockGet(b *testing.B) {
	entries := makeEntries(2000)
	blob, _ := Encode(entries, CodecZstd)
	blk, _ := Decode(blob)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		blk.Get(entries[i%len(entries)].Key)
	}
}
