package memtable

import (
	"bytes"
	"testing"
)

func TestSkipListBasicOperations(t *testing.T) {
	sl := NewSkipList()

	sl.Insert(newEntry([]byte("key1"), []byte("value1"), 1))
	sl.Insert(newEntry([]byte("key2"), []byte("value2"), 2))
	sl.Insert(newEntry([]byte("key3"), []byte("value3"), 3))

	found := sl.Find([]byte("key2"))
	if found == nil {
		t.Fatalf("expected to find key2, but got nil")
	}
	if string(found.value) != "value2" {
		t.Errorf("expected value to be 'value2', got '%s'", string(found.value))
	}

	if notFound := sl.Find([]byte("key4")); notFound != nil {
		t.Errorf("expected nil for non-existent key, got %v", notFound)
	}
	if notFound := sl.Find([]byte("key")); notFound != nil {
		t.Errorf("expected nil for prefix of existing key, got %v", notFound)
	}
}

func TestSkipListSequenceNumbers(t *testing.T) {
	sl := NewSkipList()

	// Insert in reverse order to test ordering
	sl.Insert(newEntry([]byte("key"), []byte("value3"), 3))
	sl.Insert(newEntry([]byte("key"), []byte("value1"), 1))
	sl.Insert(newEntry([]byte("key"), []byte("value2"), 2))

	found := sl.Find([]byte("key"))
	if found == nil {
		t.Fatalf("expected to find key, but got nil")
	}
	if string(found.value) != "value3" {
		t.Errorf("expected value to be 'value3' (highest seq num), got '%s'", string(found.value))
	}
	if sl.Count() != 3 {
		t.Errorf("expected 3 versions, got %d", sl.Count())
	}
}

func TestSkipListIteratorSkipsOldVersions(t *testing.T) {
	sl := NewSkipList()

	entries := []struct {
		key   string
		value string
		seq   uint64
	}{
		{"banana", "green", 1},
		{"apple", "red", 2},
		{"banana", "yellow", 3},
		{"cherry", "red", 4},
		{"apple", "golden", 5},
	}
	for _, e := range entries {
		sl.Insert(newEntry([]byte(e.key), []byte(e.value), e.seq))
	}

	expected := []struct{ key, value string }{
		{"apple", "golden"},
		{"banana", "yellow"},
		{"cherry", "red"},
	}

	it := sl.NewIterator()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if count >= len(expected) {
			t.Fatalf("iterator returned more entries than expected")
		}
		if string(it.Key()) != expected[count].key {
			t.Errorf("at position %d, expected key '%s', got '%s'", count, expected[count].key, it.Key())
		}
		if string(it.Value()) != expected[count].value {
			t.Errorf("at position %d, expected value '%s', got '%s'", count, expected[count].value, it.Value())
		}
		count++
	}
	if count != len(expected) {
		t.Errorf("expected to iterate through %d entries, but got %d", len(expected), count)
	}
}

func TestSkipListSeek(t *testing.T) {
	sl := NewSkipList()

	for i, k := range []string{"apple", "banana", "cherry", "date", "elderberry"} {
		sl.Insert(newEntry([]byte(k), []byte("v"), uint64(i+1)))
	}

	testCases := []struct {
		seek     string
		expected string
		valid    bool
	}{
		{"a", "apple", true},
		{"cherry", "cherry", true},
		{"blueberry", "cherry", true},
		{"zebra", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.seek, func(t *testing.T) {
			it := sl.NewIterator()
			it.Seek([]byte(tc.seek))

			if it.Valid() != tc.valid {
				t.Errorf("expected Valid() to be %v, got %v", tc.valid, it.Valid())
			}
			if tc.valid && string(it.Key()) != tc.expected {
				t.Errorf("expected key '%s', got '%s'", tc.expected, string(it.Key()))
			}
		})
	}
}

func TestEntryComparison(t *testing.T) {
	testCases := []struct {
		e1, e2   *entry
		expected int
	}{
		{newEntry([]byte("a"), nil, 1), newEntry([]byte("b"), nil, 1), -1},
		{newEntry([]byte("b"), nil, 1), newEntry([]byte("a"), nil, 1), 1},
		// Higher sequence numbers sort first
		{newEntry([]byte("same"), nil, 2), newEntry([]byte("same"), nil, 1), -1},
		{newEntry([]byte("same"), nil, 1), newEntry([]byte("same"), nil, 2), 1},
		{newEntry([]byte("same"), nil, 1), newEntry([]byte("same"), nil, 1), 0},
	}

	for i, tc := range testCases {
		if got := tc.e1.compareWithEntry(tc.e2); got != tc.expected {
			t.Errorf("case %d: expected comparison result %d, got %d", i, tc.expected, got)
		}
	}
}

func TestSkipListApproximateSize(t *testing.T) {
	sl := NewSkipList()

	if size := sl.ApproximateSize(); size != 0 {
		t.Errorf("expected initial size to be 0, got %d", size)
	}

	e1 := newEntry([]byte("key1"), []byte("value1"), 1)
	e2 := newEntry([]byte("key2"), bytes.Repeat([]byte("v"), 100), 2)

	sl.Insert(e1)
	expectedSize := int64(4 + 6 + entryOverhead)
	if size := sl.ApproximateSize(); size != expectedSize {
		t.Errorf("expected size to be %d after first insert, got %d", expectedSize, size)
	}

	sl.Insert(e2)
	expectedSize += int64(4 + 100 + entryOverhead)
	if size := sl.ApproximateSize(); size != expectedSize {
		t.Errorf("expected size to be %d after second insert, got %d", expectedSize, size)
	}
}
