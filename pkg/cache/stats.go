package cache

import "sync/atomic"

// Statistics holds the cache counters. All methods are safe for concurrent use.
type Statistics struct {
	hits          atomic.Int64
	misses        atomic.Int64
	inserts       atomic.Int64
	rejects       atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
	bytes         atomic.Int64
	peakBytes     atomic.Int64
}

func (s *Statistics) hit()         { s.hits.Add(1) }
func (s *Statistics) miss()        { s.misses.Add(1) }
func (s *Statistics) inserted()    { s.inserts.Add(1) }
func (s *Statistics) rejected()    { s.rejects.Add(1) }
func (s *Statistics) evicted()     { s.evictions.Add(1) }
func (s *Statistics) invalidated() { s.invalidations.Add(1) }

func (s *Statistics) setBytes(n int64) {
	s.bytes.Store(n)
	for {
		peak := s.peakBytes.Load()
		if n <= peak || s.peakBytes.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Stats is a point-in-time copy of the cache counters
type Stats struct {
	Hits          int64
	Misses        int64
	Inserts       int64
	Rejects       int64
	Evictions     int64
	Invalidations int64
	Entries       int
	Bytes         int64
	PeakBytes     int64
	Capacity      int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s *Statistics) snapshot() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Inserts:       s.inserts.Load(),
		Rejects:       s.rejects.Load(),
		Evictions:     s.evictions.Load(),
		Invalidations: s.invalidations.Load(),
		Bytes:         s.bytes.Load(),
		PeakBytes:     s.peakBytes.Load(),
	}
}
