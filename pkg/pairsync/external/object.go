package external

import (
	"errors"
	"strconv"
	"sync/atomic"
)

var (
	// ErrUnknownObject indicates an ID that is not present in the store.
	ErrUnknownObject = errors.New("unknown external object")

	// ErrNegativeRefCount indicates a reference count change below zero.
	ErrNegativeRefCount = errors.New("reference count would become negative")

	// ErrIndexOutOfRange indicates a list index outside [0, Len).
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrHoldReleased indicates a Hold was used after Release.
	ErrHoldReleased = errors.New("hold already released")
)

// ID identifies an external object. The zero ID never names an object.
type ID uint64

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Object is a transactional value shared by reference.
type Object interface {
	// ID returns the process-unique identifier of the object.
	ID() ID

	// Commit makes all staged changes permanent.
	Commit()

	// Backout discards all staged changes.
	Backout()
}

var lastID atomic.Uint64

// NextID allocates a fresh process-unique ID.
func NextID() ID {
	return ID(lastID.Add(1))
}
