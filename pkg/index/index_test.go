package index

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KevoDB/s3kv/pkg/block"
)

func layoutsFor(keys ...string) []block.Layout {
	layouts := make([]block.Layout, len(keys))
	for i, k := range keys {
		layouts[i] = block.Layout{Key: []byte(k), Offset: uint32(i * 10), Length: 5}
	}
	return layouts
}

func applyBlock(idx *Index, id block.ID, keys ...string) []block.ID {
	var b Batch
	b.Add(id, layoutsFor(keys...))
	return idx.Apply(&b)
}

func TestIndexResolve(t *testing.T) {
	idx := New(nil)

	_, ok := idx.Resolve([]byte("a"))
	require.False(t, ok)

	retired := applyBlock(idx, 0, "a", "b", "c")
	require.Empty(t, retired)

	loc, ok := idx.Resolve([]byte("b"))
	require.True(t, ok)
	require.Equal(t, Location{Block: 0, Offset: 10, Length: 5}, loc)

	snap := idx.Snapshot()
	require.EqualValues(t, 1, snap.Version())
	require.Equal(t, 3, snap.Len())
	require.Equal(t, 1, snap.BlockCount())
	require.Equal(t, block.ID(1), snap.NextBlockID())
}

func TestIndexSupersedesAndRetires(t *testing.T) {
	idx := New(nil)
	applyBlock(idx, 0, "a", "b")
	applyBlock(idx, 1, "c")

	// Block 2 rewrites both keys of block 0
	retired := applyBlock(idx, 2, "a", "b")
	require.Equal(t, []block.ID{0}, retired)

	loc, ok := idx.Resolve([]byte("a"))
	require.True(t, ok)
	require.Equal(t, block.ID(2), loc.Block)

	snap := idx.Snapshot()
	require.Equal(t, 0, snap.LiveEntries(0))
	require.Equal(t, 1, snap.LiveEntries(1))
	require.Equal(t, 2, snap.LiveEntries(2))

	// A partial overwrite leaves the older block live
	retired = applyBlock(idx, 3, "a")
	require.Empty(t, retired)
	require.Equal(t, 1, idx.Snapshot().LiveEntries(2))
}

func TestIndexBatchOrdering(t *testing.T) {
	idx := New(nil)

	var b Batch
	b.Add(5, layoutsFor("k"))
	b.Add(6, layoutsFor("k"))
	require.Equal(t, 2, b.Len())

	retired := idx.Apply(&b)
	require.Equal(t, []block.ID{5}, retired)

	loc, _ := idx.Resolve([]byte("k"))
	require.Equal(t, block.ID(6), loc.Block)
	require.Equal(t, block.ID(7), idx.Snapshot().NextBlockID())
	require.Equal(t, block.ID(7), idx.AllocateID())
	require.Equal(t, block.ID(8), idx.AllocateID())

	require.Nil(t, idx.Apply(&Batch{}))
}

func TestIndexInvalidate(t *testing.T) {
	idx := New(nil)
	applyBlock(idx, 0, "a", "b")
	applyBlock(idx, 1, "c")

	require.Equal(t, 2, idx.Invalidate(0))
	require.Equal(t, 0, idx.Invalidate(0))
	require.Equal(t, 0, idx.Invalidate(42))

	_, ok := idx.Resolve([]byte("a"))
	require.False(t, ok)
	_, ok = idx.Resolve([]byte("c"))
	require.True(t, ok)
	require.Equal(t, 1, idx.Snapshot().BlockCount())
}

func TestSnapshotIsolation(t *testing.T) {
	idx := New(nil)
	applyBlock(idx, 0, "a")

	before := idx.Snapshot()
	applyBlock(idx, 1, "a", "b")
	idx.Invalidate(0)

	loc, ok := before.Resolve([]byte("a"))
	require.True(t, ok)
	require.Equal(t, block.ID(0), loc.Block)
	_, ok = before.Resolve([]byte("b"))
	require.False(t, ok)
}

func TestSnapshotRange(t *testing.T) {
	idx := New(nil)
	applyBlock(idx, 0, "apple", "cherry", "elderberry")
	applyBlock(idx, 1, "banana", "date")

	collect := func(start, end []byte) []string {
		var keys []string
		idx.Snapshot().Range(start, end, func(k []byte, _ Location) bool {
			keys = append(keys, string(k))
			return true
		})
		return keys
	}

	require.Equal(t, []string{"apple", "banana", "cherry", "date", "elderberry"}, collect(nil, nil))
	require.Equal(t, []string{"banana", "cherry"}, collect([]byte("b"), []byte("d")))
	require.Equal(t, []string{"date", "elderberry"}, collect([]byte("cz"), nil))
	require.Empty(t, collect([]byte("f"), nil))

	var n int
	idx.Snapshot().Range(nil, nil, func([]byte, Location) bool {
		n++
		return n < 2
	})
	require.Equal(t, 2, n)
}

func TestSnapshotBlocks(t *testing.T) {
	idx := New(nil)
	applyBlock(idx, 0, "b", "d")
	applyBlock(idx, 1, "a", "c")
	applyBlock(idx, 2, "b", "d")

	samples := idx.Snapshot().Blocks()
	require.Equal(t, []BlockSample{
		{ID: 1, Key: []byte("a")},
		{ID: 2, Key: []byte("b")},
	}, samples)
}

func TestIndexConcurrentReaders(t *testing.T) {
	idx := New(nil)
	const blocks = 50

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				snap := idx.Snapshot()
				// Within a snapshot every key maps to the block that wrote it
				snap.Range(nil, nil, func(k []byte, loc Location) bool {
					var id int
					fmt.Sscanf(string(k), "key-%d-", &id)
					if block.ID(id) != loc.Block {
						t.Errorf("key %s resolved to block %d", k, loc.Block)
						return false
					}
					return true
				})
			}
		}()
	}

	for i := 0; i < blocks; i++ {
		id := idx.AllocateID()
		applyBlock(idx, id, fmt.Sprintf("key-%d-a", id), fmt.Sprintf("key-%d-b", id))
	}
	wg.Wait()

	require.Equal(t, blocks*2, idx.Snapshot().Len())
}

// bigIndex returns an index holding blocks×perBlock keys
func bigIndex(blocks, perBlock int) *Index {
	idx := New(nil)
	var b Batch
	for i := 0; i < blocks; i++ {
		keys := make([]string, perBlock)
		for j := range keys {
			keys[j] = fmt.Sprintf("key-%06d-%03d", i, j)
		}
		b.Add(idx.AllocateID(), layoutsFor(keys...))
	}
	idx.Apply(&b)
	_ = idx.Persist(context.Background())
	return idx
}

func TestIndexApplyCostIndependentOfSize(t *testing.T) {
	idx := bigIndex(1000, 100)
	require.Equal(t, 100_000, idx.Snapshot().Len())
	before := idx.Snapshot()

	const commits = 50
	var start, end runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&start)
	for i := 0; i < commits; i++ {
		id := idx.AllocateID()
		applyBlock(idx, id, fmt.Sprintf("key-%06d-000", i), fmt.Sprintf("new-%06d", i))
	}
	runtime.ReadMemStats(&end)

	// copying 100k entries costs megabytes; sharing structure costs a few tree paths
	perCommit := (end.TotalAlloc - start.TotalAlloc) / commits
	require.Less(t, perCommit, uint64(256<<10), "apply allocated %d bytes per commit", perCommit)

	snap := idx.Snapshot()
	require.Equal(t, 100_000+commits, snap.Len())
	require.Equal(t, 1000+commits, snap.BlockCount())
	require.Equal(t, 99, snap.LiveEntries(0))
	require.Equal(t, 100, before.LiveEntries(0))
	require.Equal(t, 100_000, before.Len())
}

func BenchmarkIndexApply(b *testing.B) {
	for _, blocks := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("keys=%d", blocks*100), func(b *testing.B) {
			idx := bigIndex(blocks, 100)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				applyBlock(idx, idx.AllocateID(), fmt.Sprintf("bench-%09d", i))
			}
		})
	}
}

type recordingBackend struct {
	NopBackend
	mu      sync.Mutex
	commits [][]Change
	fail    error
}

func (r *recordingBackend) Commit(_ context.Context, _ *Snapshot, changes []Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.commits = append(r.commits, changes)
	return nil
}

func TestIndexPersist(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{}
	idx, err := Open(ctx, backend)
	require.NoError(t, err)

	require.NoError(t, idx.Persist(ctx))
	require.Empty(t, backend.commits)

	applyBlock(idx, 0, "a", "b")
	idx.Invalidate(0)
	applyBlock(idx, 1, "a")

	backend.fail = fmt.Errorf("store down")
	require.Error(t, idx.Persist(ctx))

	backend.fail = nil
	require.NoError(t, idx.Persist(ctx))
	require.Len(t, backend.commits, 1)

	changes := backend.commits[0]
	require.Len(t, changes, 5)
	require.False(t, changes[0].Delete)
	require.True(t, changes[2].Delete)
	require.True(t, changes[3].Delete)
	require.Equal(t, "a", string(changes[4].Key))
	require.Equal(t, block.ID(1), changes[4].Loc.Block)

	require.NoError(t, idx.Close())
}
