// Package stats keeps per-identity call counters: a sliding calls-per-window
// rate, daily totals, concurrent calls and the sequential-call count.
package stats

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultWindow is the sliding window length in seconds.
const DefaultWindow = 60

// Identity keys a statistics record.
type Identity struct {
	User   string
	Prefix string
}

// Store maps identities to records. Records are created on first use and
// live as long as the store. Each record carries its own lock, so the store
// lock is only held for the map lookup.
type Store struct {
	mu      sync.RWMutex
	records map[Identity]*Record
	window  int
}

// NewStore creates a store whose records use a window of the given length in seconds.
func NewStore(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		records: make(map[Identity]*Record),
		window:  window,
	}
}

// GetOrCreate returns the record for id, creating it on first use.
// Concurrent first lookups for the same identity get the same record.
func (s *Store) GetOrCreate(id Identity) *Record {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[id]; ok {
		return r
	}
	r = newRecord(s.window)
	s.records[id] = r
	metrics.StatsRecords.Inc()
	return r
}

// Get returns the record for id if one exists.
func (s *Store) Get(id Identity) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Window returns the window length in seconds.
func (s *Store) Window() int {
	return s.window
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	metrics.StatsRecords.Sub(float64(len(s.records)))
	s.records = make(map[Identity]*Record)
	s.mu.Unlock()
}
