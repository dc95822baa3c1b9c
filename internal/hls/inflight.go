package hls

import (
	"sync"
	"time"
)

// inflightSet reserves rels while a batch works on them. Entries expire
// after a TTL so a batch that died without cleanup cannot block an item
// forever.
type inflightSet struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func newInflightSet(ttl time.Duration) *inflightSet {
	return &inflightSet{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// TryAdd reserves rel, reporting false when a live reservation already
// holds it. Expired entries are treated as free.
func (s *inflightSet) TryAdd(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if expiry, ok := s.entries[rel]; ok && now.Before(expiry) {
		return false
	}

	s.entries[rel] = now.Add(s.ttl)

	return true
}

// Remove frees a reservation.
func (s *inflightSet) Remove(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, rel)
}

// Len counts live reservations, sweeping out expired ones.
func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for rel, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, rel)
		}
	}

	return len(s.entries)
}
