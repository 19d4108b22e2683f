package recent

import (
	"sync"
	"time"

	"spamguard/internal/model"
)

// Store keeps the most recent log entries in a fixed-size ring.
type Store struct {
	mu    sync.RWMutex
	buf   []model.LogEntry
	next  int
	full  bool
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{buf: make([]model.LogEntry, limit), limit: limit}
}

func (s *Store) Add(entry model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = entry
	s.next = (s.next + 1) % s.limit
	if s.next == 0 {
		s.full = true
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size()
}

func (s *Store) size() int {
	if s.full {
		return s.limit
	}
	return s.next
}

// List returns up to limit entries, newest first. Blocked-only when
// blockedOnly is set.
func (s *Store) List(limit int, blockedOnly bool) []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.size()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.LogEntry, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		e := s.buf[(s.next-i+s.limit)%s.limit]
		if blockedOnly && !e.Blocked {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.size()
	out := make([]model.LogEntry, 0)
	for i := 1; i <= n; i++ {
		e := s.buf[(s.next-i+s.limit)%s.limit]
		if !e.Timestamp.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]model.LogEntry, s.limit)
	s.next = 0
	s.full = false
}
