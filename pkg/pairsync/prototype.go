package pairsync

import (
	"context"
	"fmt"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/registry"
)

// StepName names a function an endpoint runs for an event: either the
// event's entry body or a step requested by the peer.
type StepName string

// StepFunc is an event body or a step.
//
// Bodies must treat ErrPostponed from Exec methods as a signal to return
// immediately; the engine re-runs the body from the top later. The value
// returned by an entry body is handed to the caller of Call.
type StepFunc func(x Exec) (any, error)

// CompletionFunc runs after an event whose sequence finished has committed.
// It receives the endpoint's lifetime context and the committed event
// context. It runs on its own goroutine.
type CompletionFunc func(ctx context.Context, vars *Context)

// EventPrototype is the static footprint of a named event.
type EventPrototype struct {
	// Name identifies the event on both endpoints.
	Name string
	// Entry is the step the initiating endpoint runs as the event body.
	Entry StepName

	// Reads and Writes are the variables the event always touches.
	Reads  []string
	Writes []string
	// CondReads and CondWrites are variables the event may touch.
	// They take part in conflict detection like definite ones.
	CondReads  []string
	CondWrites []string

	// SeqGlobals names sequence-local variables carried with the event.
	SeqGlobals []string
	// Externals names footprint variables that hold external objects.
	Externals []string
}

// Validate checks the prototype for missing names and externals that are
// not part of the footprint.
func (p *EventPrototype) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPrototype)
	}
	if p.Entry == "" {
		return fmt.Errorf("%w: %s: entry step is required", ErrInvalidPrototype, p.Name)
	}
	reads, writes := p.footprint()
	for _, ext := range p.Externals {
		_, r := reads[ext]
		_, w := writes[ext]
		if !r && !w {
			return fmt.Errorf("%w: %s: external %q is not read or written", ErrInvalidPrototype, p.Name, ext)
		}
	}
	return nil
}

// footprint returns the read and write sets used for conflict detection.
func (p *EventPrototype) footprint() (reads, writes map[string]struct{}) {
	reads = make(map[string]struct{}, len(p.Reads)+len(p.CondReads))
	writes = make(map[string]struct{}, len(p.Writes)+len(p.CondWrites))
	for _, v := range p.Reads {
		reads[v] = struct{}{}
	}
	for _, v := range p.CondReads {
		reads[v] = struct{}{}
	}
	for _, v := range p.Writes {
		writes[v] = struct{}{}
	}
	for _, v := range p.CondWrites {
		writes[v] = struct{}{}
	}
	return reads, writes
}

func (p *EventPrototype) clone() *EventPrototype {
	c := *p
	c.Reads = append([]string(nil), p.Reads...)
	c.Writes = append([]string(nil), p.Writes...)
	c.CondReads = append([]string(nil), p.CondReads...)
	c.CondWrites = append([]string(nil), p.CondWrites...)
	c.SeqGlobals = append([]string(nil), p.SeqGlobals...)
	c.Externals = append([]string(nil), p.Externals...)
	return &c
}

type completionKey struct {
	endpoint string
	sequence string
}

// Protocol holds the process-wide tables both endpoints share: event
// prototypes and completion callbacks. It is populated during
// initialization and frozen by the first endpoint built from it.
type Protocol struct {
	events      *registry.Table[string, *EventPrototype]
	completions *registry.Table[completionKey, CompletionFunc]
}

// NewProtocol creates a protocol containing only the built-in refresh event.
func NewProtocol() *Protocol {
	p := &Protocol{
		events:      registry.New[string, *EventPrototype](),
		completions: registry.New[completionKey, CompletionFunc](),
	}
	p.events.MustRegister(RefreshEvent, refreshPrototype())
	return p
}

// Event registers an event prototype.
func (p *Protocol) Event(proto EventPrototype) error {
	if err := proto.Validate(); err != nil {
		return err
	}
	if err := message.ValidateStepName(string(proto.Entry)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPrototype, proto.Name, err)
	}
	return p.events.Register(proto.Name, proto.clone())
}

// MustEvent is like Event but panics on error.
func (p *Protocol) MustEvent(proto EventPrototype) {
	if err := p.Event(proto); err != nil {
		panic("pairsync: " + err.Error())
	}
}

// OnComplete registers fn to run on endpoint after any event whose
// sequence named sequence finished there has committed.
func (p *Protocol) OnComplete(endpoint, sequence string, fn CompletionFunc) error {
	return p.completions.Register(completionKey{endpoint, sequence}, fn)
}

// Freeze makes the protocol read-only.
func (p *Protocol) Freeze() {
	p.events.Freeze()
	p.completions.Freeze()
}

// Prototype returns the registered prototype for name.
func (p *Protocol) Prototype(name string) (*EventPrototype, bool) {
	return p.events.Get(name)
}

// Events returns the registered event names in sorted order.
func (p *Protocol) Events() []string {
	return p.events.SortedKeys(func(a, b string) bool { return a < b })
}

func (p *Protocol) completion(endpoint, sequence string) (CompletionFunc, bool) {
	return p.completions.Get(completionKey{endpoint, sequence})
}
