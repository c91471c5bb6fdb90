package diagcache

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// noLookupsReport is what Report returns before any lookup was recorded.
const noLookupsReport = "No diagrams cached."

// CacheStats accumulates hit/miss events for one build invocation.
// Create one per build and pass it down; it is safe for concurrent use.
type CacheStats struct {
	mu                 sync.Mutex
	hits               int
	misses             int
	timeSaved          time.Duration
	totalOriginalBytes int64
	totalCachedBytes   int64
}

// StatsSnapshot is a point-in-time copy of CacheStats.
type StatsSnapshot struct {
	Hits               int
	Misses             int
	TimeSaved          time.Duration
	TotalOriginalBytes int64
	TotalCachedBytes   int64
}

// NewCacheStats returns an empty accumulator.
func NewCacheStats() *CacheStats {
	return &CacheStats{}
}

// RecordHit accounts for one lookup served from cache.
func (s *CacheStats) RecordHit(renderTimeSaved time.Duration, originalSize, cachedSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.timeSaved += nonNegative(renderTimeSaved)
	s.totalOriginalBytes += max(originalSize, 0)
	s.totalCachedBytes += max(cachedSize, 0)
}

// RecordMiss accounts for one lookup that required a render. A miss has no
// size reduction, so resultSize is added to both totals.
func (s *CacheStats) RecordMiss(renderTime time.Duration, resultSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
	size := max(resultSize, 0)
	s.totalOriginalBytes += size
	s.totalCachedBytes += size
}

// Hits returns the number of hits.
func (s *CacheStats) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// Misses returns the number of misses.
func (s *CacheStats) Misses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misses
}

// Lookups returns hits + misses.
func (s *CacheStats) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits + s.misses
}

// TimeSaved returns the accumulated render time avoided by hits.
func (s *CacheStats) TimeSaved() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeSaved
}

// HitRatio returns hits/(hits+misses), or 0 when nothing was looked up.
func (s *CacheStats) HitRatio() float64 {
	return s.Snapshot().HitRatio()
}

// SizeReductionPercent returns the share of bytes saved by the store, or 0
// when no bytes were accounted.
func (s *CacheStats) SizeReductionPercent() float64 {
	return s.Snapshot().SizeReductionPercent()
}

// Snapshot copies the current totals.
func (s *CacheStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Hits:               s.hits,
		Misses:             s.misses,
		TimeSaved:          s.timeSaved,
		TotalOriginalBytes: s.totalOriginalBytes,
		TotalCachedBytes:   s.totalCachedBytes,
	}
}

// Reset zeroes all totals, e.g. between batch runs in a long-lived process.
func (s *CacheStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses = 0, 0
	s.timeSaved = 0
	s.totalOriginalBytes, s.totalCachedBytes = 0, 0
}

// Report renders the totals as a short multi-line summary.
func (s *CacheStats) Report() string {
	return s.Snapshot().Report()
}

// Lookups returns hits + misses.
func (s StatsSnapshot) Lookups() int {
	return s.Hits + s.Misses
}

// HitRatio returns hits/(hits+misses), or 0 when nothing was looked up.
func (s StatsSnapshot) HitRatio() float64 {
	total := s.Lookups()
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// SizeReductionPercent returns (original-cached)/original*100, or 0 when
// original is 0.
func (s StatsSnapshot) SizeReductionPercent() float64 {
	if s.TotalOriginalBytes == 0 {
		return 0
	}
	return float64(s.TotalOriginalBytes-s.TotalCachedBytes) / float64(s.TotalOriginalBytes) * 100
}

// Report renders the snapshot. Output depends only on the snapshot values.
func (s StatsSnapshot) Report() string {
	total := s.Lookups()
	if total == 0 {
		return noLookupsReport
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Diagram cache: %.1f%% hit ratio (%d/%d)\n", s.HitRatio()*100, s.Hits, total)
	fmt.Fprintf(&b, "Time saved: %.1fms\n", float64(s.TimeSaved)/float64(time.Millisecond))
	fmt.Fprintf(&b, "Size reduction: %.1f%%", s.SizeReductionPercent())
	return b.String()
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
