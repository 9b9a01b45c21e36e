package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/common/log"
	"github.com/KevoDB/s3kv/pkg/objstore"
)

// DefaultObjectKey is where the object backend keeps the index snapshot
const DefaultObjectKey = "index/default.idx"

// Backend loads and persists index state
type Backend interface {
	// Load returns the persisted state, or an empty snapshot if there is none
	Load(ctx context.Context) (*Snapshot, error)
	// Commit persists changes. snap is the index version that includes them.
	Commit(ctx context.Context, snap *Snapshot, changes []Change) error
	// Close releases backend resources
	Close() error
}

// NopBackend keeps the index in memory only
type NopBackend struct{}

// Load implements Backend
func (NopBackend) Load(context.Context) (*Snapshot, error) { return emptySnapshot(), nil }

// Commit implements Backend
func (NopBackend) Commit(context.Context, *Snapshot, []Change) error { return nil }

// Close implements Backend
func (NopBackend) Close() error { return nil }

// Syncer is implemented by backends that may defer writing committed changes
type Syncer interface {
	// Sync writes out everything committed so far. snap is the current version.
	Sync(ctx context.Context, snap *Snapshot) error
}

// DefaultRewriteFraction is the share of the indexed keys that may change
// before the object backend rewrites its snapshot
const DefaultRewriteFraction = 0.125

// ObjectBackend stores the whole index as one versioned snapshot object.
// Commits are deferred until the changes since the last rewrite reach a
// fraction of the index size. Sync forces a rewrite.
type ObjectBackend struct {
	store    objstore.Store
	key      string
	fraction float64

	mu       sync.Mutex
	deferred int
	writes   int
}

// ObjectOption configures an ObjectBackend
type ObjectOption func(*ObjectBackend)

// WithRewriteFraction sets the share of changed keys that triggers a
// snapshot rewrite. Zero rewrites on every commit.
func WithRewriteFraction(f float64) ObjectOption {
	return func(b *ObjectBackend) {
		if f >= 0 {
			b.fraction = f
		}
	}
}

// NewObjectBackend creates a backend keeping the snapshot under key in store.
// An empty key selects DefaultObjectKey.
func NewObjectBackend(store objstore.Store, key string, opts ...ObjectOption) *ObjectBackend {
	if key == "" {
		key = DefaultObjectKey
	}
	b := &ObjectBackend{store: store, key: key, fraction: DefaultRewriteFraction}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load implements Backend
func (b *ObjectBackend) Load(ctx context.Context) (*Snapshot, error) {
	data, err := b.store.Get(ctx, b.key)
	if objstore.IsNotFound(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// Commit implements Backend
func (b *ObjectBackend) Commit(ctx context.Context, snap *Snapshot, changes []Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deferred += len(changes)
	if float64(b.deferred) < b.fraction*float64(snap.Len()) {
		return nil
	}
	return b.write(ctx, snap)
}

// Sync implements Syncer
func (b *ObjectBackend) Sync(ctx context.Context, snap *Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deferred == 0 {
		return nil
	}
	return b.write(ctx, snap)
}

// Writes returns how many times the snapshot object has been rewritten
func (b *ObjectBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// write must be called with b.mu held
func (b *ObjectBackend) write(ctx context.Context, snap *Snapshot) error {
	if err := b.store.Put(ctx, b.key, EncodeSnapshot(snap)); err != nil {
		return err
	}
	b.deferred = 0
	b.writes++
	return nil
}

// Close implements Backend
func (b *ObjectBackend) Close() error { return nil }

// ScanBackend rebuilds the index at startup by reading every block in the
// store. The blocks themselves are the index, so the only thing a commit
// persists is the retirement of invalidated blocks, by deleting their objects.
type ScanBackend struct {
	store       objstore.Store
	concurrency int
	logger      log.Logger
}

// NewScanBackend creates a scanning backend fetching up to concurrency blocks
// at a time
func NewScanBackend(store objstore.Store, concurrency int, logger log.Logger) *ScanBackend {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &ScanBackend{store: store, concurrency: concurrency, logger: logger}
}

// Load implements Backend. Corrupt blocks are logged and skipped so that one
// bad block does not make the rest of the store unreadable.
func (b *ScanBackend) Load(ctx context.Context) (*Snapshot, error) {
	keys, err := b.store.List(ctx, block.ObjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	ids := make([]block.ID, 0, len(keys))
	for _, k := range keys {
		id, err := block.ParseObjectKey(k)
		if err != nil {
			b.logger.WithField("object", k).Warn("Skipping unrecognised object: %v", err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	layouts := make([][]block.Layout, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			data, err := b.store.Get(gctx, block.ObjectKey(id))
			if objstore.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to fetch block %d: %w", id, err)
			}
			blk, err := block.Decode(data)
			if errors.Is(err, block.ErrCorrupt) {
				b.logger.WithField("block", uint64(id)).Error("Skipping corrupt block: %v", err)
				return nil
			}
			if err != nil {
				return err
			}
			layouts[i] = blk.Layouts()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Later blocks win for keys present in more than one block
	entries := make(map[string]Location)
	var nextID block.ID
	for i, id := range ids {
		for _, l := range layouts[i] {
			entries[string(l.Key)] = Location{Block: id, Offset: l.Offset, Length: l.Length}
		}
		nextID = id + 1
	}

	return newSnapshot(0, nextID, entries), nil
}

// Commit implements Backend. Deletions only come from invalidating a whole
// block; the objects of those blocks are removed so a rescan cannot revive
// them.
func (b *ScanBackend) Commit(ctx context.Context, _ *Snapshot, changes []Change) error {
	retired := make(map[block.ID]struct{})
	for _, c := range changes {
		if c.Delete {
			retired[c.Loc.Block] = struct{}{}
		}
	}
	for id := range retired {
		if err := b.store.Delete(ctx, block.ObjectKey(id)); err != nil {
			return fmt.Errorf("failed to delete retired block %d: %w", id, err)
		}
		b.logger.WithField("block", uint64(id)).Debug("Retired block deleted")
	}
	return nil
}

// Close implements Backend
func (b *ScanBackend) Close() error { return nil }

