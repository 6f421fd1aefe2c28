// Package registry provides a generic, thread-safe lookup table that becomes
// read-only once frozen.
//
// Process-wide tables such as event prototypes and completion callbacks are
// populated during program initialization and then frozen before any
// endpoint is created. After Freeze, every mutating call fails with
// ErrFrozen and readers no longer contend on a write lock.
//
// Basic usage:
//
//	events := registry.New[string, *Prototype]()
//	events.MustRegister("begin_session", proto)
//	events.Freeze()
//
//	p, ok := events.Get("begin_session")
package registry
