package cache

import (
	"sync/atomic"
)

// Statistics tracks cache operations. All counters are safe for concurrent use.
type Statistics struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewStatistics creates zeroed statistics.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) Hit()    { s.hits.Add(1) }
func (s *Statistics) Miss()   { s.misses.Add(1) }
func (s *Statistics) Set()    { s.sets.Add(1) }
func (s *Statistics) Delete() { s.deletes.Add(1) }

func (s *Statistics) Hits() int64    { return s.hits.Load() }
func (s *Statistics) Misses() int64  { return s.misses.Load() }
func (s *Statistics) Sets() int64    { return s.sets.Load() }
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// HitRatio returns hits over total lookups, or zero before any lookup.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
