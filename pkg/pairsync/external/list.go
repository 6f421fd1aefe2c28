package external

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

// List is a transactional ordered collection.
type List struct {
	id ID

	mu    sync.Mutex
	items []any
	undo  []func()
}

// Compile-time interface check.
var _ Object = (*List)(nil)

// NewList creates a list holding copies of items. The initial contents are
// already committed.
func NewList(items ...any) *List {
	l := &List{id: NextID(), items: make([]any, 0, len(items))}
	for _, v := range items {
		l.items = append(l.items, message.Clone(v))
	}
	return l
}

// ID returns the list's identifier.
func (l *List) ID() ID { return l.id }

// Len returns the number of elements.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Get returns a copy of the element at index i.
func (l *List) Get(i int) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.items) {
		return nil, fmt.Errorf("get %d of %d: %w", i, len(l.items), ErrIndexOutOfRange)
	}
	return message.Clone(l.items[i]), nil
}

// Set replaces the element at index i.
func (l *List) Set(i int, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("set %d of %d: %w", i, len(l.items), ErrIndexOutOfRange)
	}
	old := l.items[i]
	l.items[i] = message.Clone(v)
	l.undo = append(l.undo, func() { l.items[i] = old })
	return nil
}

// Append adds v to the end of the list.
func (l *List) Append(v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, message.Clone(v))
	l.undo = append(l.undo, func() { l.items = l.items[:len(l.items)-1] })
}

// Insert places v at index i, shifting later elements right.
// Inserting at Len appends.
func (l *List) Insert(i int, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i > len(l.items) {
		return fmt.Errorf("insert %d of %d: %w", i, len(l.items), ErrIndexOutOfRange)
	}
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = message.Clone(v)
	l.undo = append(l.undo, func() { l.items = append(l.items[:i], l.items[i+1:]...) })
	return nil
}

// Remove deletes the element at index i.
func (l *List) Remove(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("remove %d of %d: %w", i, len(l.items), ErrIndexOutOfRange)
	}
	old := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.undo = append(l.undo, func() {
		l.items = append(l.items, nil)
		copy(l.items[i+1:], l.items[i:])
		l.items[i] = old
	})
	return nil
}

// Contains reports whether an element deeply equal to v is present.
func (l *List) Contains(v any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// Items returns a deep copy of the current contents.
func (l *List) Items() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.items))
	for i, v := range l.items {
		out[i] = message.Clone(v)
	}
	return out
}

// Commit clears the undo log.
func (l *List) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.undo = nil
}

// Backout reverts every change since the last Commit.
func (l *List) Backout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
	l.undo = nil
}

// MarshalJSON encodes the current contents as a JSON array.
func (l *List) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Items())
}
