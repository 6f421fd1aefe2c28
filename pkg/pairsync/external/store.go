package external

import (
	"fmt"
	"sync"
)

type storeKey struct {
	endpoint string
	id       ID
}

type storeEntry struct {
	obj  Object
	refs int
}

// Store tracks external objects and their reference counts, scoped by
// endpoint name. Objects whose count reaches zero stay in the store until
// the next GC sweep.
type Store struct {
	mu      sync.Mutex
	entries map[storeKey]*storeEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[storeKey]*storeEntry)}
}

// IncrementAddIfAbsent adds obj with a count of one, or increments the
// count if the object is already present.
func (s *Store) IncrementAddIfAbsent(endpoint string, obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{endpoint, obj.ID()}
	if e, ok := s.entries[k]; ok {
		e.refs++
		return
	}
	s.entries[k] = &storeEntry{obj: obj, refs: 1}
}

// ChangeRefCount adds delta to the count of an existing object.
// The count is left unchanged on error.
func (s *Store) ChangeRefCount(endpoint string, id ID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storeKey{endpoint, id}]
	if !ok {
		return fmt.Errorf("change ref count of %s on %s: %w", id, endpoint, ErrUnknownObject)
	}
	if e.refs+delta < 0 {
		return fmt.Errorf("change ref count of %s by %d from %d: %w", id, delta, e.refs, ErrNegativeRefCount)
	}
	e.refs += delta
	return nil
}

// Get returns the object registered under id.
func (s *Store) Get(endpoint string, id ID) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storeKey{endpoint, id}]
	if !ok {
		return nil, fmt.Errorf("get %s on %s: %w", id, endpoint, ErrUnknownObject)
	}
	return e.obj, nil
}

// RefCount returns the current count and whether the object is present.
func (s *Store) RefCount(endpoint string, id ID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storeKey{endpoint, id}]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

// GC removes every object whose count is zero and returns how many were
// removed.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.refs == 0 {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked objects, including unreferenced ones
// awaiting GC.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Hold increments the count of every listed object and returns a handle
// that undoes the increments exactly once. Either all counts are
// incremented or none are.
func (s *Store) Hold(endpoint string, ids ...ID) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.entries[storeKey{endpoint, id}]; !ok {
			return nil, fmt.Errorf("hold %s on %s: %w", id, endpoint, ErrUnknownObject)
		}
	}
	for _, id := range ids {
		s.entries[storeKey{endpoint, id}].refs++
	}
	held := make([]ID, len(ids))
	copy(held, ids)
	return &Hold{store: s, endpoint: endpoint, ids: held}, nil
}

// Hold owns one reference to each of a set of objects. Release is the only
// way the references are given back.
type Hold struct {
	store    *Store
	endpoint string
	ids      []ID

	mu       sync.Mutex
	released bool
}

// IDs returns the held object IDs.
func (h *Hold) IDs() []ID {
	out := make([]ID, len(h.ids))
	copy(out, h.ids)
	return out
}

// Release decrements each held count. A second call returns
// ErrHoldReleased and changes nothing.
func (h *Hold) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHoldReleased
	}
	h.released = true
	var firstErr error
	for _, id := range h.ids {
		if err := h.store.ChangeRefCount(h.endpoint, id, -1); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
