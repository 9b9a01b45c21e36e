package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpPut        OperationType = "put"
	OpGet        OperationType = "get"
	OpFlush      OperationType = "flush"
	OpFetch      OperationType = "fetch"
	OpDecode     OperationType = "decode"
	OpInvalidate OperationType = "invalidate"
	OpWarm       OperationType = "warm"
	OpScan       OperationType = "scan"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // only for creating new counter entries

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	memTableSize      atomic.Uint64
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	flushCount        atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	layers   map[string]*atomic.Uint64
	layersMu sync.RWMutex

	indexLoad IndexLoadStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// IndexLoadStats describes the most recent index load
type IndexLoadStats struct {
	Entries  atomic.Uint64
	Blocks   atomic.Uint64
	Duration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		layers:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	getOrCreate(&c.countsMu, c.counts, op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	getOrCreate(&c.countsMu, c.counts, op).Add(1)
	c.touch(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

func (c *AtomicCollector) touch(op OperationType) {
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	getOrCreate(&c.errorsMu, c.errors, errorType).Add(1)
}

// TrackLayer counts a read answered by layer
func (c *AtomicCollector) TrackLayer(layer string) {
	getOrCreate(&c.layersMu, c.layers, layer).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackMemTableSize records the current write buffer size
func (c *AtomicCollector) TrackMemTableSize(size uint64) {
	c.memTableSize.Store(size)
}

// TrackFlush increments the flush counter
func (c *AtomicCollector) TrackFlush() {
	c.flushCount.Add(1)
}

// StartIndexLoad resets the index load statistics
func (c *AtomicCollector) StartIndexLoad() time.Time {
	c.indexLoad.Entries.Store(0)
	c.indexLoad.Blocks.Store(0)
	c.indexLoad.Duration.Store(0)
	return time.Now()
}

// FinishIndexLoad records what the index load produced
func (c *AtomicCollector) FinishIndexLoad(startTime time.Time, entries, blocks uint64) {
	c.indexLoad.Entries.Store(entries)
	c.indexLoad.Blocks.Store(blocks)
	c.indexLoad.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["memtable_size"] = c.memTableSize.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["flush_count"] = c.flushCount.Load()

	stats["errors"] = snapshotCounters(&c.errorsMu, c.errors)
	stats["layers"] = snapshotCounters(&c.layersMu, c.layers)

	load := map[string]interface{}{
		"entries": c.indexLoad.Entries.Load(),
		"blocks":  c.indexLoad.Blocks.Load(),
	}
	if d := c.indexLoad.Duration.Load(); d > 0 {
		load["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["index_load"] = load

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}
		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

// getOrCreate returns the counter for key, creating it under the write lock
// only on first use
func getOrCreate[K comparable](mu *sync.RWMutex, m map[K]*atomic.Uint64, key K) *atomic.Uint64 {
	mu.RLock()
	counter, exists := m[key]
	mu.RUnlock()
	if exists {
		return counter
	}

	mu.Lock()
	defer mu.Unlock()
	if counter, exists = m[key]; !exists {
		counter = &atomic.Uint64{}
		m[key] = counter
	}
	return counter
}

func snapshotCounters(mu *sync.RWMutex, m map[string]*atomic.Uint64) map[string]uint64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]uint64, len(m))
	for k, counter := range m {
		out[k] = counter.Load()
	}
	return out
}
