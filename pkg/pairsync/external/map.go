package external

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

// Map is a transactional string-keyed collection.
type Map struct {
	id ID

	mu      sync.Mutex
	entries map[string]any
	undo    []func()
}

// Compile-time interface check.
var _ Object = (*Map)(nil)

// NewMap creates a map holding copies of entries. The initial contents are
// already committed.
func NewMap(entries map[string]any) *Map {
	m := &Map{id: NextID(), entries: make(map[string]any, len(entries))}
	for k, v := range entries {
		m.entries[k] = message.Clone(v)
	}
	return m
}

// ID returns the map's identifier.
func (m *Map) ID() ID { return m.id }

// Len returns the number of entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Get returns a copy of the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return message.Clone(v), true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Set stores v under key.
func (m *Map) Set(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.entries[key]
	m.entries[key] = message.Clone(v)
	m.undo = append(m.undo, m.restore(key, old, existed))
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.entries[key]
	if !existed {
		return
	}
	delete(m.entries, key)
	m.undo = append(m.undo, m.restore(key, old, true))
}

func (m *Map) restore(key string, old any, existed bool) func() {
	return func() {
		if existed {
			m.entries[key] = old
		} else {
			delete(m.entries, key)
		}
	}
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of the current contents.
func (m *Map) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.entries))
	for k, v := range m.entries {
		out[k] = message.Clone(v)
	}
	return out
}

// Commit clears the undo log.
func (m *Map) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
}

// Backout reverts every change since the last Commit.
func (m *Map) Backout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i]()
	}
	m.undo = nil
}

// MarshalJSON encodes the current contents as a JSON object.
func (m *Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}
