package memtable

import (
	"sync"
	"sync/atomic"
)

// MemTablePool holds the active MemTable that accepts writes plus the
// immutable tables whose blocks are being flushed. Reads consult all of them
// so a value is visible from the moment Put returns until its block is
// committed to the index.
type MemTablePool struct {
	active     *MemTable
	immutables []*MemTable
	maxSize    int64
	nextSeqNum atomic.Uint64
	mu         sync.RWMutex
}

// NewMemTablePool creates a pool that asks for a flush once the active table
// holds maxSize bytes
func NewMemTablePool(maxSize int64) *MemTablePool {
	return &MemTablePool{
		active:  NewMemTable(),
		maxSize: maxSize,
	}
}

// Put adds a key-value pair to the active MemTable
func (p *MemTablePool) Put(key, value []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// The pool lock keeps the active table mutable for the duration of the put
	p.active.Put(key, value, p.nextSeqNum.Add(1))
}

// Get retrieves the value for a key, checking the active table first and then
// the immutables from newest to oldest
func (p *MemTablePool) Get(key []byte) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if value, found := p.active.Get(key); found {
		return value, true
	}

	for i := len(p.immutables) - 1; i >= 0; i-- {
		if value, found := p.immutables[i].Get(key); found {
			return value, true
		}
	}

	return nil, false
}

// IsFlushNeeded returns true if the active table has reached the threshold
func (p *MemTablePool) IsFlushNeeded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active.ApproximateSize() >= p.maxSize
}

// SwitchToNewMemTable makes the active MemTable immutable, installs a fresh
// one and returns the old table for flushing. It returns nil when the active
// table is empty.
func (p *MemTablePool) SwitchToNewMemTable() *MemTable {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active.Empty() {
		return nil
	}

	old := p.active
	old.SetImmutable()
	p.active = NewMemTable()
	p.immutables = append(p.immutables, old)

	return old
}

// Release drops a flushed table from the pool once its block is visible
// through the index
func (p *MemTablePool) Release(m *MemTable) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, imm := range p.immutables {
		if imm == m {
			p.immutables = append(p.immutables[:i:i], p.immutables[i+1:]...)
			return
		}
	}
}

// ImmutableCount returns the number of tables waiting to be released
func (p *MemTablePool) ImmutableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.immutables)
}

// TotalSize returns the total approximate size of all buffered tables
func (p *MemTablePool) TotalSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := p.active.ApproximateSize()
	for _, m := range p.immutables {
		total += m.ApproximateSize()
	}
	return total
}

// Immutables returns the tables waiting to be flushed, oldest first
func (p *MemTablePool) Immutables() []*MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*MemTable(nil), p.immutables...)
}
