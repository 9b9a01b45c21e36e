package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/s3kv/pkg/block"
)

// MemTable buffers pending writes in key order until they are flushed as a
// block. Readers never lock; writers are serialized by the table.
type MemTable struct {
	skipList     *SkipList
	creationTime time.Time
	immutable    atomic.Bool
	mu           sync.Mutex
}

// NewMemTable creates a new memory table
func NewMemTable() *MemTable {
	return &MemTable{
		skipList:     NewSkipList(),
		creationTime: time.Now(),
	}
}

// Put adds a version of key to the MemTable. It reports false if the table
// has already been made immutable.
func (m *MemTable) Put(key, value []byte, seqNum uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsImmutable() {
		return false
	}

	m.skipList.Insert(newEntry(
		append([]byte(nil), key...),
		append([]byte(nil), value...),
		seqNum,
	))
	return true
}

// Get returns the newest buffered value for key
func (m *MemTable) Get(key []byte) ([]byte, bool) {
	e := m.skipList.Find(key)
	if e == nil {
		return nil, false
	}
	return e.value, true
}

// ApproximateSize returns the approximate encoded size of the buffered data
func (m *MemTable) ApproximateSize() int64 {
	return m.skipList.ApproximateSize()
}

// Empty reports whether nothing has been written to the table
func (m *MemTable) Empty() bool {
	return m.skipList.Count() == 0
}

// SetImmutable marks the MemTable as immutable
func (m *MemTable) SetImmutable() {
	m.mu.Lock()
	m.immutable.Store(true)
	m.mu.Unlock()
}

// IsImmutable returns whether the MemTable is immutable
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// Age returns how long ago the MemTable was created
func (m *MemTable) Age() time.Duration {
	return time.Since(m.creationTime)
}

// NewIterator returns an iterator over the newest version of each key
func (m *MemTable) NewIterator() *Iterator {
	return m.skipList.NewIterator()
}

// Entries returns the newest version of every key in key order, ready to be
// passed to a block builder.
func (m *MemTable) Entries() []block.Entry {
	entries := make([]block.Entry, 0, m.skipList.Count())
	it := m.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entries = append(entries, block.Entry{Key: it.Key(), Value: it.Value()})
	}
	return entries
}
