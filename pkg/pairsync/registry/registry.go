package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFrozen indicates a mutation was attempted after Freeze.
	ErrFrozen = errors.New("registry is frozen")

	// ErrDuplicate indicates a key was registered twice.
	ErrDuplicate = errors.New("key already registered")
)

// Table is a thread-safe registry for values indexed by key.
// It is writable until Freeze is called and read-only afterwards.
type Table[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	frozen  bool
}

// New creates a new empty table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{
		entries: make(map[K]V),
	}
}

// Register adds a value to the table.
// Returns ErrDuplicate if the key exists and ErrFrozen after Freeze.
func (t *Table[K, V]) Register(key K, value V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return fmt.Errorf("register %v: %w", key, ErrFrozen)
	}
	if _, ok := t.entries[key]; ok {
		return fmt.Errorf("register %v: %w", key, ErrDuplicate)
	}
	t.entries[key] = value
	return nil
}

// MustRegister is like Register but panics on error.
// Intended for package-level initialization.
func (t *Table[K, V]) MustRegister(key K, value V) {
	if err := t.Register(key, value); err != nil {
		panic("registry: " + err.Error())
	}
}

// Freeze makes the table read-only. Calling Freeze more than once is a no-op.
func (t *Table[K, V]) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Frozen reports whether Freeze has been called.
func (t *Table[K, V]) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Get returns the value for a key and whether it exists.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[key]
	return v, ok
}

// Has returns true if the key exists in the table.
func (t *Table[K, V]) Has(key K) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok
}

// Keys returns all keys in the table.
// The order is not guaranteed.
func (t *Table[K, V]) Keys() []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]K, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys returns all keys ordered by less.
func (t *Table[K, V]) SortedKeys(less func(a, b K) bool) []K {
	keys := t.Keys()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for each entry. Iteration stops if fn returns false.
// The table is read-locked for the duration, so fn must not call Register.
func (t *Table[K, V]) Range(fn func(key K, value V) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.entries {
		if !fn(k, v) {
			return
		}
	}
}
