package main

// Snapshot is a point-in-time copy of Stats, safe to read without holding
// the live counters' lock.
type Snapshot struct {
	TotalOps     uint64
	GetHits      uint64
	GetMisses    uint64
	SetOps       uint64
	DeleteOps    uint64
	DeleteMisses uint64
	Evictions    uint64
	BytesRead    uint64
	BytesWritten uint64
	Connections  uint64
	ActiveConns  int64
}

// NewStats returns a zeroed counter set.
func NewStats() *Stats {
	return &Stats{}
}

// Snapshot copies every counter under a single read lock.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TotalOps:     s.TotalOps,
		GetHits:      s.GetHits,
		GetMisses:    s.GetMisses,
		SetOps:       s.SetOps,
		DeleteOps:    s.DeleteOps,
		DeleteMisses: s.DeleteMisses,
		Evictions:    s.Evictions,
		BytesRead:    s.BytesRead,
		BytesWritten: s.BytesWritten,
		Connections:  s.Connections,
		ActiveConns:  s.ActiveConns,
	}
}

// HitRatio reports the fraction of get lookups that found a value, or 0 if
// there have been no lookups yet.
func (s Snapshot) HitRatio() float64 {
	total := s.GetHits + s.GetMisses
	if total == 0 {
		return 0
	}
	return float64(s.GetHits) / float64(total)
}
