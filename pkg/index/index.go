// Package index maps keys to the blocks holding them. Readers resolve keys
// against immutable snapshots without locking; writers publish new snapshots.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/common/log"
)

var (
	// ErrUnsupportedVersion is returned when a persisted index has an unknown format version
	ErrUnsupportedVersion = errors.New("unsupported index format version")
	// ErrCorruptIndex is returned when a persisted index fails validation
	ErrCorruptIndex = errors.New("index corruption detected")
)

// Change is one persisted mutation of the index
type Change struct {
	Key    []byte
	Loc    Location
	Delete bool
}

// Batch collects the layouts of newly written blocks for one commit
type Batch struct {
	blocks []batchBlock
}

type batchBlock struct {
	id      block.ID
	layouts []block.Layout
}

// Add records that the keys in layouts now live in block id. Blocks added
// later in the batch win for duplicate keys.
func (b *Batch) Add(id block.ID, layouts []block.Layout) {
	b.blocks = append(b.blocks, batchBlock{id: id, layouts: layouts})
}

// Len returns the number of blocks in the batch
func (b *Batch) Len() int {
	return len(b.blocks)
}

// Index is the block index. It is safe for concurrent use.
type Index struct {
	current atomic.Pointer[Snapshot]
	nextID  atomic.Uint64

	// mu serializes writers
	mu      sync.Mutex
	pending []Change

	// persistMu orders commits to the backend
	persistMu sync.Mutex
	backend   Backend
	logger    log.Logger
}

// Option configures an Index
type Option func(*Index)

// WithLogger sets the logger used by the index
func WithLogger(logger log.Logger) Option {
	return func(idx *Index) {
		idx.logger = logger
	}
}

// New creates an empty index persisted through backend. A nil backend keeps
// the index in memory only.
func New(backend Backend, opts ...Option) *Index {
	if backend == nil {
		backend = NopBackend{}
	}
	idx := &Index{
		backend: backend,
		logger:  log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.WithField("component", "index")
	idx.current.Store(emptySnapshot())
	return idx
}

// Open creates an index and loads its state from backend
func Open(ctx context.Context, backend Backend, opts ...Option) (*Index, error) {
	idx := New(backend, opts...)
	if err := idx.Load(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Load replaces the index contents with the state held by the backend
func (idx *Index) Load(ctx context.Context) error {
	snap, err := idx.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load index: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.current.Store(snap)
	if next := uint64(snap.NextBlockID()); next > idx.nextID.Load() {
		idx.nextID.Store(next)
	}
	idx.pending = nil

	idx.logger.WithFields(map[string]interface{}{
		"keys":   snap.Len(),
		"blocks": snap.BlockCount(),
	}).Info("Index loaded")
	return nil
}

// Snapshot returns the current index version
func (idx *Index) Snapshot() *Snapshot {
	return idx.current.Load()
}

// Resolve returns the location of key in the current version
func (idx *Index) Resolve(key []byte) (Location, bool) {
	return idx.current.Load().Resolve(key)
}

// AllocateID reserves the ID for a block about to be written
func (idx *Index) AllocateID() block.ID {
	return block.ID(idx.nextID.Add(1) - 1)
}

// Apply publishes a new version containing the blocks in b and returns the
// blocks that no longer serve any key. Its cost grows with the size of the
// batch, not of the index.
func (idx *Index) Apply(b *Batch) []block.ID {
	if b == nil || len(b.blocks) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.current.Load().next()
	touched := make(map[block.ID]struct{}, len(b.blocks))
	for _, blk := range b.blocks {
		touched[blk.id] = struct{}{}
		for _, l := range blk.layouts {
			loc := Location{Block: blk.id, Offset: l.Offset, Length: l.Length}
			if prev, ok := snap.set(string(l.Key), loc); ok {
				touched[prev.Block] = struct{}{}
			}
			idx.pending = append(idx.pending, Change{Key: l.Key, Loc: loc})
		}
	}

	var retired []block.ID
	for id := range touched {
		if snap.LiveEntries(id) == 0 {
			retired = append(retired, id)
		}
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i] < retired[j] })

	idx.current.Store(snap)
	if next := uint64(snap.NextBlockID()); next > idx.nextID.Load() {
		idx.nextID.Store(next)
	}
	return retired
}

// Invalidate removes every entry pointing at block id and returns how many
// keys were dropped.
func (idx *Index) Invalidate(id block.ID) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.current.Load()
	want := old.LiveEntries(id)
	if want == 0 {
		return 0
	}

	keys := make([]string, 0, want)
	old.entries.Ascend(func(it item) bool {
		if it.loc.Block == id {
			keys = append(keys, it.key)
			idx.pending = append(idx.pending, Change{Key: []byte(it.key), Loc: it.loc, Delete: true})
		}
		return len(keys) < want
	})

	snap := old.next()
	for _, k := range keys {
		snap.remove(k)
	}
	idx.current.Store(snap)
	return len(keys)
}

// Persist commits the changes made since the last successful Persist to the
// backend. Commits are applied in the order the changes were made.
func (idx *Index) Persist(ctx context.Context) error {
	idx.persistMu.Lock()
	defer idx.persistMu.Unlock()

	idx.mu.Lock()
	changes := idx.pending
	idx.pending = nil
	snap := idx.current.Load()
	idx.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	if err := idx.backend.Commit(ctx, snap, changes); err != nil {
		idx.mu.Lock()
		idx.pending = append(changes, idx.pending...)
		idx.mu.Unlock()
		return fmt.Errorf("failed to persist index version %d: %w", snap.Version(), err)
	}

	idx.logger.WithFields(map[string]interface{}{
		"version": snap.Version(),
		"changes": len(changes),
	}).Debug("Index persisted")
	return nil
}

// Sync persists pending changes and then makes the backend write out any
// state it has been deferring, so that a reload observes the current version
func (idx *Index) Sync(ctx context.Context) error {
	if err := idx.Persist(ctx); err != nil {
		return err
	}
	syncer, ok := idx.backend.(Syncer)
	if !ok {
		return nil
	}

	idx.persistMu.Lock()
	defer idx.persistMu.Unlock()
	snap := idx.current.Load()
	if err := syncer.Sync(ctx, snap); err != nil {
		return fmt.Errorf("failed to sync index version %d: %w", snap.Version(), err)
	}
	return nil
}

// Close releases the backend
func (idx *Index) Close() error {
	return idx.backend.Close()
}
