// Package journal records every committed event for audit and inspection.
//
// Records are append-only and ordered per endpoint. The journal is never
// read back by the engine: events that were in flight when a process exits
// are not resumed.
package journal

import (
	"errors"
	"time"
)

// Store persists commit records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores rec and returns it with ID, Sequence and Timestamp
	// filled in. ID and Timestamp are kept if already set.
	Append(rec Record) (Record, error)

	// List returns all records for an endpoint, ordered by sequence.
	// Returns empty slice (not error) if the endpoint has none.
	List(endpoint string) ([]Record, error)

	// Latest returns the highest-sequence record for an endpoint.
	// Returns ErrNotFound if the endpoint has none.
	Latest(endpoint string) (Record, error)

	// Truncate removes all records for an endpoint.
	// Returns nil if the endpoint has none.
	Truncate(endpoint string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record describes one committed event on one endpoint.
type Record struct {
	ID         string
	Endpoint   string
	EventID    int64
	EventName  string
	Generation uint64
	Sequence   int
	Timestamp  time.Time
	// Snapshot is the JSON encoding of the committed variables the event touched.
	Snapshot []byte
}

// Sentinel errors for journal operations.
var (
	// ErrNotFound indicates no record exists.
	ErrNotFound = errors.New("journal record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("journal store closed")

	// ErrEndpointRequired indicates a record without an endpoint name.
	ErrEndpointRequired = errors.New("journal record requires an endpoint")
)
