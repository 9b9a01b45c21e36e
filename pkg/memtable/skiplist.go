package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// MaxHeight is the maximum height of the skip list
	MaxHeight = 12

	// BranchingFactor determines the probability of increasing the height
	BranchingFactor = 4

	// entryOverhead matches the per-pair framing a block spends on an entry
	entryOverhead = 12
)

// entry is one buffered version of a key
type entry struct {
	key    []byte
	value  []byte
	seqNum uint64
}

func newEntry(key, value []byte, seqNum uint64) *entry {
	return &entry{
		key:    key,
		value:  value,
		seqNum: seqNum,
	}
}

// size approximates the bytes the entry will add to an encoded block
func (e *entry) size() int {
	return len(e.key) + len(e.value) + entryOverhead
}

// compareWithEntry orders by key, then by sequence number descending so the
// newest version of a key is reached first.
func (e *entry) compareWithEntry(other *entry) int {
	if cmp := bytes.Compare(e.key, other.key); cmp != 0 {
		return cmp
	}
	switch {
	case e.seqNum > other.seqNum:
		return -1
	case e.seqNum < other.seqNum:
		return 1
	}
	return 0
}

type node struct {
	entry *entry
	next  [MaxHeight]unsafe.Pointer
}

func (n *node) getNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.next[level]))
}

func (n *node) setNext(level int, next *node) {
	atomic.StorePointer(&n.next[level], unsafe.Pointer(next))
}

// SkipList is a sorted multi-version list. Inserts must be serialized by the
// caller; lookups and iteration may run concurrently with one inserter.
type SkipList struct {
	head      *node
	maxHeight atomic.Int32
	rnd       *rand.Rand
	rndMtx    sync.Mutex
	size      atomic.Int64
	count     atomic.Int64
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	s := &SkipList{
		head: &node{},
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.maxHeight.Store(1)
	return s
}

func (s *SkipList) randomHeight() int {
	s.rndMtx.Lock()
	defer s.rndMtx.Unlock()

	height := 1
	for height < MaxHeight && s.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

// findGreaterOrEqual returns the first node ordered at or after e, filling
// prev with the rightmost node before it on every level when prev is non-nil.
func (s *SkipList) findGreaterOrEqual(e *entry, prev *[MaxHeight]*node) *node {
	current := s.head
	for level := int(s.maxHeight.Load()) - 1; level >= 0; level-- {
		next := current.getNext(level)
		for next != nil && next.entry.compareWithEntry(e) < 0 {
			current = next
			next = current.getNext(level)
		}
		if prev != nil {
			prev[level] = current
		}
	}
	return current.getNext(0)
}

// Insert adds a new version to the skip list
func (s *SkipList) Insert(e *entry) {
	var prev [MaxHeight]*node
	height := s.randomHeight()
	if cur := int(s.maxHeight.Load()); height > cur {
		for level := cur; level < height; level++ {
			prev[level] = s.head
		}
		s.maxHeight.Store(int32(height))
	}

	s.findGreaterOrEqual(e, &prev)

	n := &node{entry: e}
	for level := 0; level < height; level++ {
		if prev[level] == nil {
			prev[level] = s.head
		}
		n.setNext(level, prev[level].getNext(level))
		prev[level].setNext(level, n)
	}

	s.size.Add(int64(e.size()))
	s.count.Add(1)
}

// Find returns the newest version of key, or nil
func (s *SkipList) Find(key []byte) *entry {
	// Sequence number max sorts before every stored version of key
	n := s.findGreaterOrEqual(&entry{key: key, seqNum: ^uint64(0)}, nil)
	if n != nil && bytes.Equal(n.entry.key, key) {
		return n.entry
	}
	return nil
}

// ApproximateSize returns the approximate encoded size of every buffered version
func (s *SkipList) ApproximateSize() int64 {
	return s.size.Load()
}

// Count returns the number of buffered versions
func (s *SkipList) Count() int64 {
	return s.count.Load()
}

// Iterator walks the newest version of each key in key order
type Iterator struct {
	list    *SkipList
	current *node
}

// NewIterator creates a new Iterator for the skip list
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.current != nil
}

// Next advances to the next distinct key
func (it *Iterator) Next() {
	if it.current == nil {
		return
	}
	key := it.current.entry.key
	next := it.current.getNext(0)
	for next != nil && bytes.Equal(next.entry.key, key) {
		next = next.getNext(0)
	}
	it.current = next
}

// SeekToFirst positions the iterator at the first key
func (it *Iterator) SeekToFirst() {
	it.current = it.list.head.getNext(0)
}

// Seek positions the iterator at the first key >= target
func (it *Iterator) Seek(target []byte) {
	it.current = it.list.findGreaterOrEqual(&entry{key: target, seqNum: ^uint64(0)}, nil)
}

// Key returns the key of the current entry
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.entry.key
}

// Value returns the value of the current entry
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.entry.value
}
