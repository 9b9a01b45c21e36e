// Package engine is the key-value facade over the block store. Reads go
// through the write buffer, the block index, the block cache and finally the
// object store; writes are buffered and flushed as whole blocks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/cache"
	"github.com/KevoDB/s3kv/pkg/common/log"
	"github.com/KevoDB/s3kv/pkg/index"
	"github.com/KevoDB/s3kv/pkg/memtable"
	"github.com/KevoDB/s3kv/pkg/objstore"
	"github.com/KevoDB/s3kv/pkg/stats"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultWarmConcurrency = 8
)

// Engine is safe for concurrent use
type Engine struct {
	store  objstore.Store
	index  *index.Index
	cache  *cache.Cache
	buffer *memtable.MemTablePool

	codec           block.Codec
	blockSize       int64
	cacheCapacity   int64
	fetchTimeout    time.Duration
	retry           RetryPolicy
	warmConcurrency int

	logger  log.Logger
	tel     telemetry.Telemetry
	metrics EngineMetrics
	stats   stats.Collector

	fetches singleflight.Group
	flushMu sync.Mutex
	closed  atomic.Bool

	// closers are released after the index on Close
	closers []func(context.Context) error
}

// Option configures an Engine
type Option func(*Engine)

// WithIndex sets the block index. The engine owns it and closes it on Close.
func WithIndex(idx *index.Index) Option {
	return func(e *Engine) { e.index = idx }
}

// WithBlockSize sets the raw size at which buffered pairs are cut into a block
func WithBlockSize(size int64) Option {
	return func(e *Engine) { e.blockSize = size }
}

// WithCodec sets the compression codec for new blocks
func WithCodec(codec block.Codec) Option {
	return func(e *Engine) { e.codec = codec }
}

// WithCacheCapacity sets the block cache byte budget; zero disables caching
func WithCacheCapacity(capacity int64) Option {
	return func(e *Engine) { e.cacheCapacity = capacity }
}

// WithFetchTimeout bounds a single block fetch, retries included
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fetchTimeout = d }
}

// WithRetry sets the retry policy for unavailable store reads
func WithRetry(policy RetryPolicy) Option {
	return func(e *Engine) { e.retry = policy }
}

// WithWarmConcurrency bounds the parallel fetches issued by Warm
func WithWarmConcurrency(n int) Option {
	return func(e *Engine) { e.warmConcurrency = n }
}

// WithLogger sets the engine logger
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTelemetry sets the telemetry the engine records into
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = tel }
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(e *Engine) { e.stats = collector }
}

// withCloser registers a resource released when the engine closes
func withCloser(fn func(context.Context) error) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// New creates an engine over store. Without WithIndex the index lives only in
// memory.
func New(store objstore.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires an object store")
	}

	e := &Engine{
		store:           store,
		codec:           block.DefaultCodec,
		blockSize:       block.DefaultBlockSize,
		fetchTimeout:    defaultFetchTimeout,
		warmConcurrency: defaultWarmConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.blockSize <= 0 || e.blockSize > block.MaxBlockSize {
		return nil, fmt.Errorf("block size %d out of range", e.blockSize)
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = defaultFetchTimeout
	}
	if e.warmConcurrency <= 0 {
		e.warmConcurrency = defaultWarmConcurrency
	}
	if e.logger == nil {
		e.logger = log.GetDefaultLogger()
	}
	e.logger = e.logger.WithField("component", "engine")
	if e.tel == nil {
		e.tel = telemetry.NewNoop()
	}
	e.metrics = NewEngineMetrics(e.tel)
	if e.stats == nil {
		e.stats = stats.NewAtomicCollector()
	}
	if e.index == nil {
		e.index = index.New(nil, index.WithLogger(e.logger))
	}

	e.buffer = memtable.NewMemTablePool(e.blockSize)
	e.cache = cache.New(e.cacheCapacity, cache.WithEvictCallback(func(id block.ID, size int64) {
		e.metrics.RecordEviction(context.Background(), size)
	}))

	return e, nil
}

// Get returns the value stored for key. A key that was never written yields
// found == false and no error. The returned slice must not be modified.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	start := time.Now()
	value, found, layer, err := e.get(ctx, key)

	e.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	e.stats.TrackLayer(layer)
	e.metrics.RecordGet(ctx, layer, time.Since(start), err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, false, ctxErr
		}
		e.stats.TrackError("get_error")
		return nil, false, &KeyError{Key: key, Op: "get", Err: err}
	}
	if found {
		e.stats.TrackBytes(false, uint64(len(key)+len(value)))
	}
	return value, found, nil
}

func (e *Engine) get(ctx context.Context, key []byte) ([]byte, bool, string, error) {
	if value, ok := e.buffer.Get(key); ok {
		return value, true, LayerMemTable, nil
	}

	loc, ok := e.index.Resolve(key)
	if !ok {
		return nil, false, LayerNone, nil
	}

	blk, layer, err := e.loadBlock(ctx, loc.Block)
	if err != nil {
		return nil, false, layer, err
	}

	value, err := blk.Value(loc.Offset, loc.Length)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"block": uint64(loc.Block),
			"key":   string(key),
		}).Error("Index location outside block payload: %v", err)
		return nil, false, layer, fmt.Errorf("%w: block %d: %w", ErrCorruptBlock, loc.Block, err)
	}
	return value, true, layer, nil
}

// loadBlock returns the decoded block from the cache, or fetches it. Callers
// asking for the same block share one fetch; a caller whose context ends stops
// waiting while the fetch runs to completion for the others.
func (e *Engine) loadBlock(ctx context.Context, id block.ID) (*block.Block, string, error) {
	if blk, ok := e.cache.Get(id); ok {
		return blk, LayerCache, nil
	}

	ch := e.fetches.DoChan(block.ObjectKey(id), func() (interface{}, error) {
		return e.fetchBlock(ctx, id)
	})

	select {
	case <-ctx.Done():
		return nil, LayerStore, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, LayerStore, res.Err
		}
		return res.Val.(*block.Block), LayerStore, nil
	}
}

// fetchBlock reads, decodes and caches block id. It runs detached from the
// caller's cancellation, bounded by the fetch timeout.
func (e *Engine) fetchBlock(parent context.Context, id block.ID) (*block.Block, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.fetchTimeout)
	defer cancel()

	ctx, span := e.tel.StartSpan(ctx, "s3kv.engine.fetch_block")
	defer span.End()

	start := time.Now()
	data, err := e.readObject(ctx, block.ObjectKey(id))
	e.metrics.RecordFetch(ctx, len(data), time.Since(start), err)
	if err != nil {
		e.stats.TrackError("fetch_error")
		if objstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, id)
		}
		return nil, fmt.Errorf("%w: block %d: %w", ErrStoreUnavailable, id, err)
	}
	e.stats.TrackOperationWithLatency(stats.OpFetch, uint64(time.Since(start).Nanoseconds()))
	e.stats.TrackBytes(false, uint64(len(data)))

	start = time.Now()
	blk, err := block.Decode(data)
	if err != nil {
		e.metrics.RecordDecode(ctx, block.CodecNone, time.Since(start), err)
		e.stats.TrackError("corrupt_block")
		e.logger.WithField("block", uint64(id)).Error("Failed to decode block: %v", err)
		return nil, fmt.Errorf("%w: block %d: %w", ErrCorruptBlock, id, err)
	}
	e.metrics.RecordDecode(ctx, blk.Codec(), time.Since(start), nil)
	e.stats.TrackOperationWithLatency(stats.OpDecode, uint64(time.Since(start).Nanoseconds()))

	if err := e.cache.Insert(id, blk); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"block": uint64(id),
			"size":  blk.Size(),
		}).Debug("Block not cached: %v", err)
	} else if e.index.Snapshot().LiveEntries(id) == 0 {
		// retired while the fetch was in flight
		e.cache.Invalidate(id)
	}

	return blk, nil
}

// Put buffers a pair. When the buffer reaches the block size it is flushed
// before Put returns.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	e.buffer.Put(key, value)
	e.stats.TrackOperationWithLatency(stats.OpPut, uint64(time.Since(start).Nanoseconds()))
	e.stats.TrackBytes(true, uint64(len(key)+len(value)))
	e.stats.TrackMemTableSize(uint64(e.buffer.TotalSize()))

	if e.buffer.IsFlushNeeded() {
		return e.flush(ctx)
	}
	return nil
}

// WriteBatch buffers all pairs and flushes them as one or more blocks before
// returning. Later pairs win over earlier ones with the same key.
func (e *Engine) WriteBatch(ctx context.Context, entries []block.Entry) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	for _, entry := range entries {
		e.buffer.Put(entry.Key, entry.Value)
		e.stats.TrackOperation(stats.OpPut)
		e.stats.TrackBytes(true, uint64(len(entry.Key)+len(entry.Value)))
	}
	return e.flush(ctx)
}

// Flush writes every buffered pair to the object store, commits the new
// blocks to the index and syncs the index backend
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.flush(ctx); err != nil {
		return err
	}
	return e.index.Sync(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.buffer.SwitchToNewMemTable()

	// tables left behind by a failed flush go first
	for _, mt := range e.buffer.Immutables() {
		if err := e.flushMemTable(ctx, mt); err != nil {
			return err
		}
		e.buffer.Release(mt)
	}
	e.stats.TrackMemTableSize(uint64(e.buffer.TotalSize()))

	if err := e.index.Persist(ctx); err != nil {
		e.logger.Error("Failed to persist index: %v", err)
		return err
	}
	return nil
}

// flushMemTable cuts the table's pairs into blocks, closing a block once its
// raw payload reaches blockSize, stores them and publishes them in one index
// version
func (e *Engine) flushMemTable(ctx context.Context, mt *memtable.MemTable) (err error) {
	ctx, span := e.tel.StartSpan(ctx, "s3kv.engine.flush")
	defer span.End()

	start := time.Now()
	var (
		batch   index.Batch
		entries int
		written int64
	)
	defer func() {
		e.metrics.RecordFlush(ctx, batch.Len(), entries, written, time.Since(start), err)
	}()

	builder := block.NewBuilder()
	cut := func() error {
		id := e.index.AllocateID()
		blob, layouts, err := builder.Finish(e.codec)
		if err != nil {
			return fmt.Errorf("failed to encode block %d: %w", id, err)
		}
		if err := e.store.Put(ctx, block.ObjectKey(id), blob); err != nil {
			return fmt.Errorf("failed to store block %d: %w", id, err)
		}
		batch.Add(id, layouts)
		written += int64(len(blob))
		e.logger.WithFields(map[string]interface{}{
			"block":   uint64(id),
			"entries": len(layouts),
			"bytes":   len(blob),
		}).Debug("Block written")
		builder.Reset()
		return nil
	}

	for _, entry := range mt.Entries() {
		if err := builder.Add(entry.Key, entry.Value); err != nil {
			return fmt.Errorf("failed to add key %q to block: %w", entry.Key, err)
		}
		entries++
		if builder.EstimatedSize() >= uint64(e.blockSize) {
			if err := cut(); err != nil {
				return err
			}
		}
	}
	if builder.Entries() > 0 {
		if err := cut(); err != nil {
			return err
		}
	}

	for _, id := range e.index.Apply(&batch) {
		e.cache.Invalidate(id)
		e.metrics.RecordInvalidation(ctx, "superseded", 0)
		e.logger.WithField("block", uint64(id)).Debug("Superseded block dropped from cache")
	}

	e.stats.TrackFlush()
	e.stats.TrackOperationWithLatency(stats.OpFlush, uint64(time.Since(start).Nanoseconds()))
	e.logger.WithFields(map[string]interface{}{
		"blocks":  batch.Len(),
		"entries": entries,
		"bytes":   written,
		"age":     mt.Age().Round(time.Millisecond),
	}).Info("Flushed write buffer")
	return nil
}

// Invalidate retires block id: its keys leave the index and the block leaves
// the cache. The stored object is left in place, except under the scan index
// strategy, where the object is deleted so a rescan cannot revive it.
func (e *Engine) Invalidate(ctx context.Context, id block.ID) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	removed := e.index.Invalidate(id)
	e.cache.Invalidate(id)
	e.stats.TrackOperation(stats.OpInvalidate)
	e.metrics.RecordInvalidation(ctx, "explicit", removed)
	e.logger.WithFields(map[string]interface{}{
		"block": uint64(id),
		"keys":  removed,
	}).Info("Block invalidated")

	return e.index.Sync(ctx)
}

// Warm loads the given blocks into the cache
func (e *Engine) Warm(ctx context.Context, ids []block.ID) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.warmConcurrency)
	for _, id := range ids {
		if e.cache.Contains(id) {
			continue
		}
		id := id
		g.Go(func() error {
			_, _, err := e.loadBlock(gctx, id)
			return err
		})
	}
	err := g.Wait()

	e.stats.TrackOperationWithLatency(stats.OpWarm, uint64(time.Since(start).Nanoseconds()))
	return err
}

// WarmFraction loads a random fraction of the live blocks into the cache and
// returns the blocks chosen
func (e *Engine) WarmFraction(ctx context.Context, fraction float64) ([]block.ID, error) {
	if fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("warm fraction %v outside [0, 1]", fraction)
	}

	samples := e.index.Snapshot().Blocks()
	n := int(math.Round(fraction * float64(len(samples))))
	rand.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	ids := make([]block.ID, n)
	for i := range ids {
		ids[i] = samples[i].ID
	}
	return ids, e.Warm(ctx, ids)
}

// Range calls fn for each indexed key in [start, end) in order, stopping when
// fn returns false. A nil bound is open. Pairs still in the write buffer are
// not listed.
func (e *Engine) Range(start, end []byte, fn func(key []byte, loc index.Location) bool) {
	e.stats.TrackOperation(stats.OpScan)
	e.index.Snapshot().Range(start, end, fn)
}

// Scan is Range with values. The scan reads a consistent index version; each
// block is fetched at most once while its keys are being visited.
func (e *Engine) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.stats.TrackOperation(stats.OpScan)

	var (
		current   *block.Block
		currentID block.ID
		scanErr   error
	)
	e.index.Snapshot().Range(start, end, func(key []byte, loc index.Location) bool {
		if current == nil || currentID != loc.Block {
			blk, _, err := e.loadBlock(ctx, loc.Block)
			if err != nil {
				scanErr = &KeyError{Key: key, Op: "scan", Err: err}
				return false
			}
			current, currentID = blk, loc.Block
		}
		value, err := current.Value(loc.Offset, loc.Length)
		if err != nil {
			scanErr = &KeyError{Key: key, Op: "scan", Err: fmt.Errorf("%w: %w", ErrCorruptBlock, err)}
			return false
		}
		return fn(key, value)
	})
	return scanErr
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Cache           cache.Stats
	IndexVersion    uint64
	IndexKeys       int
	IndexBlocks     int
	NextBlockID     block.ID
	BufferedBytes   int64
	ImmutableTables int
	Collector       map[string]interface{}
}

// Stats returns the engine statistics
func (e *Engine) Stats() Stats {
	snap := e.index.Snapshot()
	return Stats{
		Cache:           e.cache.Stats(),
		IndexVersion:    snap.Version(),
		IndexKeys:       snap.Len(),
		IndexBlocks:     snap.BlockCount(),
		NextBlockID:     snap.NextBlockID(),
		BufferedBytes:   e.buffer.TotalSize(),
		ImmutableTables: e.buffer.ImmutableCount(),
		Collector:       e.stats.GetStats(),
	}
}

// StatsFiltered returns the collector statistics whose names start with prefix
func (e *Engine) StatsFiltered(prefix string) map[string]interface{} {
	return e.stats.GetStatsFiltered(prefix)
}

// Index returns the engine's block index
func (e *Engine) Index() *index.Index {
	return e.index
}

// Cache returns the engine's block cache
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Close flushes buffered pairs, persists the index and releases the engine's
// resources. Writes must not race with Close.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := []error{e.flush(ctx), e.index.Sync(ctx)}
	errs = append(errs, e.index.Close(), e.metrics.Close())
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	e.cache.Clear()

	if err := errors.Join(errs...); err != nil {
		e.logger.Error("Engine closed with errors: %v", err)
		return err
	}
	e.logger.Info("Engine closed")
	return nil
}
