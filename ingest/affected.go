package ingest

import "sync"

// AffectedSet collects story ids whose discussions changed since the
// last realtime embedding pass. The embedding engine drains it on its
// own cadence.
type AffectedSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewAffectedSet() *AffectedSet {
	return &AffectedSet{ids: make(map[int64]struct{})}
}

func (s *AffectedSet) Add(id int64) {
	if id <= 0 {
		return
	}
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// Drain returns all collected ids and empties the set.
func (s *AffectedSet) Drain() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.ids = make(map[int64]struct{})
	return out
}

func (s *AffectedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
