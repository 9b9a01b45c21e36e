package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackMemTableSize records the current write buffer size
	TrackMemTableSize(size uint64)

	// TrackFlush increments the flush counter
	TrackFlush()

	// TrackLayer counts a read served by the named layer (memtable, cache, store)
	TrackLayer(layer string)

	// StartIndexLoad marks the start of an index load
	StartIndexLoad() time.Time

	// FinishIndexLoad records the outcome of an index load
	FinishIndexLoad(startTime time.Time, entries, blocks uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
