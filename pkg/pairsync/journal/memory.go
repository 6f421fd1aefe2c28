package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in memory.
// It is suitable for testing and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

// Append implements Store.
func (s *MemoryStore) Append(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	if rec.Endpoint == "" {
		return Record{}, ErrEndpointRequired
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	existing := s.records[rec.Endpoint]
	rec.Sequence = len(existing) + 1
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	s.records[rec.Endpoint] = append(existing, rec)
	return rec, nil
}

// List implements Store.
func (s *MemoryStore) List(endpoint string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	recs := s.records[endpoint]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(endpoint string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	recs := s.records[endpoint]
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[len(recs)-1], nil
}

// Truncate implements Store.
func (s *MemoryStore) Truncate(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, endpoint)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
