package index

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/KevoDB/s3kv/pkg/block"
)

// btreeDegree is the branching factor of the index trees
const btreeDegree = 32

// Location is where a key's value lives: a block and the value's position
// inside that block's decoded payload.
type Location struct {
	Block  block.ID
	Offset uint32
	Length uint32
}

// BlockSample names a live block together with one key it serves
type BlockSample struct {
	ID  block.ID
	Key []byte
}

type item struct {
	key string
	loc Location
}

func itemLess(a, b item) bool { return a.key < b.key }

// liveCount is the number of keys resolving to one block
type liveCount struct {
	id    block.ID
	count int
}

func liveLess(a, b liveCount) bool { return a.id < b.id }

// Snapshot is one immutable version of the index. A reader holding a
// snapshot observes a consistent mapping for as long as it keeps it.
//
// Versions share tree nodes: the next version is a lazy clone that copies
// only the paths it writes, so a commit costs O(changes · log keys).
type Snapshot struct {
	version uint64
	nextID  block.ID
	entries *btree.BTreeG[item]
	live    *btree.BTreeG[liveCount]

	samplesOnce sync.Once
	samples     []BlockSample
}

func newSnapshot(version uint64, nextID block.ID, entries map[string]Location) *Snapshot {
	s := &Snapshot{
		version: version,
		nextID:  nextID,
		entries: btree.NewG[item](btreeDegree, itemLess),
		live:    btree.NewG[liveCount](btreeDegree, liveLess),
	}
	for k, loc := range entries {
		s.set(k, loc)
	}
	return s
}

func emptySnapshot() *Snapshot {
	return newSnapshot(0, 0, nil)
}

// next returns a writable successor of s. Until it is written to it shares
// all of its structure with s, which stays unchanged.
func (s *Snapshot) next() *Snapshot {
	return &Snapshot{
		version: s.version + 1,
		nextID:  s.nextID,
		entries: s.entries.Clone(),
		live:    s.live.Clone(),
	}
}

// set points key at loc, returning the location it replaced
func (s *Snapshot) set(key string, loc Location) (Location, bool) {
	old, replaced := s.entries.ReplaceOrInsert(item{key: key, loc: loc})
	if replaced {
		s.release(old.loc.Block)
	}
	s.retain(loc.Block)
	if loc.Block >= s.nextID {
		s.nextID = loc.Block + 1
	}
	return old.loc, replaced
}

func (s *Snapshot) remove(key string) {
	if old, ok := s.entries.Delete(item{key: key}); ok {
		s.release(old.loc.Block)
	}
}

func (s *Snapshot) retain(id block.ID) {
	ref, _ := s.live.Get(liveCount{id: id})
	ref.id = id
	ref.count++
	s.live.ReplaceOrInsert(ref)
}

func (s *Snapshot) release(id block.ID) {
	ref, ok := s.live.Get(liveCount{id: id})
	if !ok {
		return
	}
	if ref.count <= 1 {
		s.live.Delete(ref)
		return
	}
	ref.count--
	s.live.ReplaceOrInsert(ref)
}

// Resolve returns the location of key
func (s *Snapshot) Resolve(key []byte) (Location, bool) {
	it, ok := s.entries.Get(item{key: string(key)})
	return it.loc, ok
}

// Version increases by one with every committed change
func (s *Snapshot) Version() uint64 {
	return s.version
}

// NextBlockID is one past the highest block ID the snapshot has seen
func (s *Snapshot) NextBlockID() block.ID {
	return s.nextID
}

// Len returns the number of live keys
func (s *Snapshot) Len() int {
	return s.entries.Len()
}

// BlockCount returns the number of blocks with at least one live key
func (s *Snapshot) BlockCount() int {
	return s.live.Len()
}

// LiveEntries returns how many keys resolve to block id
func (s *Snapshot) LiveEntries(id block.ID) int {
	ref, _ := s.live.Get(liveCount{id: id})
	return ref.count
}

// Range calls fn for each key in [start, end) in order until fn returns
// false. A nil start or end leaves that side unbounded.
func (s *Snapshot) Range(start, end []byte, fn func(key []byte, loc Location) bool) {
	iter := func(it item) bool {
		return fn([]byte(it.key), it.loc)
	}
	switch {
	case start == nil && end == nil:
		s.entries.Ascend(iter)
	case start == nil:
		s.entries.AscendLessThan(item{key: string(end)}, iter)
	case end == nil:
		s.entries.AscendGreaterOrEqual(item{key: string(start)}, iter)
	default:
		s.entries.AscendRange(item{key: string(start)}, item{key: string(end)}, iter)
	}
}

// Blocks lists every live block, ordered by ID, with the smallest key it
// serves. Picking uniformly from the result gives uniform access over blocks.
func (s *Snapshot) Blocks() []BlockSample {
	s.samplesOnce.Do(func() {
		first := make(map[block.ID]string, s.live.Len())
		s.entries.Ascend(func(it item) bool {
			if _, ok := first[it.loc.Block]; !ok {
				first[it.loc.Block] = it.key
			}
			return len(first) < s.live.Len()
		})
		samples := make([]BlockSample, 0, len(first))
		for id, k := range first {
			samples = append(samples, BlockSample{ID: id, Key: []byte(k)})
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })
		s.samples = samples
	})
	return append([]BlockSample(nil), s.samples...)
}
