package pairsync

import (
	"sync/atomic"
	"time"
)

// outcome is what an event body hands back to the caller of Call.
type outcome struct {
	value any
	err   error
}

// ActiveEvent is the runtime instance of one event on one endpoint.
//
// Its id is assigned at admission; the parity of the id names the endpoint
// that initiated it. The generation increments each time the event is
// postponed, which invalidates any execution still running for the old
// generation.
type ActiveEvent struct {
	proto  *EventPrototype
	reads  map[string]struct{}
	writes map[string]struct{}
	args   []any

	// result receives exactly one outcome for initiated events.
	result    chan outcome
	requested time.Time

	id        int64
	entry     StepName
	initiated bool
	// abandoned is the caller's context error once Call stopped waiting
	// for an admitted event. Guarded by the endpoint mutex.
	abandoned error

	generation atomic.Uint64
}

func newActiveEvent(proto *EventPrototype, args []any, initiated bool) *ActiveEvent {
	reads, writes := proto.footprint()
	return &ActiveEvent{
		proto:     proto,
		reads:     reads,
		writes:    writes,
		args:      args,
		result:    make(chan outcome, 1),
		requested: time.Now(),
		id:        -1,
		entry:     proto.Entry,
		initiated: initiated,
	}
}

// ID returns the event id, or -1 before the first admission.
func (ev *ActiveEvent) ID() int64 { return ev.id }

// Name returns the event name.
func (ev *ActiveEvent) Name() string { return ev.proto.Name }

// Generation returns the current generation.
func (ev *ActiveEvent) Generation() uint64 { return ev.generation.Load() }

// Initiated reports whether this endpoint started the event.
func (ev *ActiveEvent) Initiated() bool { return ev.initiated }

// conflicts reports whether ev and other cannot be active together, looking
// only at variables in owned.
func (ev *ActiveEvent) conflicts(other *ActiveEvent, owned map[string]struct{}) bool {
	for name := range ev.writes {
		if _, ok := owned[name]; !ok {
			continue
		}
		if _, ok := other.writes[name]; ok {
			return true
		}
		if _, ok := other.reads[name]; ok {
			return true
		}
	}
	for name := range ev.reads {
		if _, ok := owned[name]; !ok {
			continue
		}
		if _, ok := other.writes[name]; ok {
			return true
		}
	}
	return false
}

// lockSets returns the owned variables ev locks for reading and for
// writing. A variable both read and written is locked for writing only.
func (ev *ActiveEvent) lockSets(owned map[string]struct{}) (reads, writes []string) {
	for name := range ev.writes {
		if _, ok := owned[name]; ok {
			writes = append(writes, name)
		}
	}
	for name := range ev.reads {
		if _, ok := ev.writes[name]; ok {
			continue
		}
		if _, ok := owned[name]; ok {
			reads = append(reads, name)
		}
	}
	return reads, writes
}

func (ev *ActiveEvent) deliver(o outcome) {
	select {
	case ev.result <- o:
	default:
	}
}
