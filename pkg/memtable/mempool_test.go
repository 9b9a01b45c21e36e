package memtable

import (
	"fmt"
	"testing"
)

func TestMemPoolBasicOperations(t *testing.T) {
	pool := NewMemTablePool(1024)

	pool.Put([]byte("key1"), []byte("value1"))

	value, found := pool.Get([]byte("key1"))
	if !found {
		t.Fatalf("expected to find key1, but got not found")
	}
	if string(value) != "value1" {
		t.Errorf("expected value1, got %s", string(value))
	}

	pool.Put([]byte("key1"), []byte("value2"))
	if value, _ = pool.Get([]byte("key1")); string(value) != "value2" {
		t.Errorf("expected value2 after overwrite, got %s", string(value))
	}
}

func TestMemPoolSwitchMemTable(t *testing.T) {
	pool := NewMemTablePool(1024)

	if old := pool.SwitchToNewMemTable(); old != nil {
		t.Fatalf("expected nil when switching an empty memtable")
	}

	pool.Put([]byte("key1"), []byte("value1"))

	old := pool.SwitchToNewMemTable()
	if old == nil {
		t.Fatalf("expected a memtable to flush")
	}
	if !old.IsImmutable() {
		t.Errorf("expected switched memtable to be immutable")
	}
	if pool.ImmutableCount() != 1 {
		t.Errorf("expected 1 immutable memtable, got %d", pool.ImmutableCount())
	}

	// Still visible while the flush is in progress
	if value, found := pool.Get([]byte("key1")); !found || string(value) != "value1" {
		t.Errorf("expected key1 to be readable from flushing memtable, got %q", value)
	}

	// A newer write in the active table shadows the flushing one
	pool.Put([]byte("key1"), []byte("value2"))
	if value, _ := pool.Get([]byte("key1")); string(value) != "value2" {
		t.Errorf("expected value2 from active memtable, got %s", string(value))
	}

	pool.Release(old)
	if pool.ImmutableCount() != 0 {
		t.Errorf("expected no immutable memtables after release, got %d", pool.ImmutableCount())
	}
	if value, _ := pool.Get([]byte("key1")); string(value) != "value2" {
		t.Errorf("expected value2 after release, got %s", string(value))
	}
}

func TestMemPoolFlushThreshold(t *testing.T) {
	pool := NewMemTablePool(200)

	if pool.IsFlushNeeded() {
		t.Fatalf("expected empty pool to not need a flush")
	}
	for i := 0; i < 100 && !pool.IsFlushNeeded(); i++ {
		pool.Put([]byte(fmt.Sprintf("key%03d", i)), []byte("0123456789"))
	}

	if !pool.IsFlushNeeded() {
		t.Fatalf("expected flush threshold to be reached")
	}
	if pool.TotalSize() < 200 {
		t.Errorf("expected total size >= 200, got %d", pool.TotalSize())
	}

	pool.SwitchToNewMemTable()
	if pool.IsFlushNeeded() {
		t.Errorf("expected fresh memtable to not need a flush")
	}
}

func TestMemPoolImmutablesOrder(t *testing.T) {
	pool := NewMemTablePool(1024)

	var switched []*MemTable
	for i := 0; i < 3; i++ {
		pool.Put([]byte(fmt.Sprintf("key%d", i)), []byte("v"))
		switched = append(switched, pool.SwitchToNewMemTable())
	}

	imms := pool.Immutables()
	if len(imms) != 3 {
		t.Fatalf("expected 3 immutables, got %d", len(imms))
	}
	for i := range imms {
		if imms[i] != switched[i] {
			t.Errorf("immutable %d out of order", i)
		}
	}

	pool.Release(switched[1])
	imms[0] = nil // the returned slice is a copy
	if got := pool.Immutables(); len(got) != 2 || got[0] != switched[0] || got[1] != switched[2] {
		t.Errorf("unexpected immutables after release: %v", got)
	}
}
