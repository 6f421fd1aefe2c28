package pairsync

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

// doesNotExist marks an endpoint-global owned by the peer. It is never
// merged into committed state and never leaves the endpoint.
type doesNotExist struct{}

var dne = doesNotExist{}

// resumeSignal wakes a body waiting for its sequence to finish.
type resumeSignal struct {
	err error
}

// Context is the transactional variable snapshot of one admitted event,
// or, for the endpoint's committed context, the authoritative state.
//
// All accessors are safe for concurrent use.
type Context struct {
	endpoint   string
	store      *external.Store
	generation uint64
	// ev is nil for the committed context.
	ev *ActiveEvent

	mu      sync.Mutex
	shareds map[string]any
	globals map[string]any
	seq     map[string]any

	written     map[external.ID]external.Object
	refDeltas   map[external.ID]int
	provisional []external.ID
	hold        *external.Hold
	completions []CompletionFunc
	sent        int
	retired     error

	reservedReads  []external.ID
	reservedWrites []external.ID

	resume        chan resumeSignal
	postponed     chan struct{}
	postponedOnce sync.Once
}

func newContext(endpoint string, store *external.Store) *Context {
	return &Context{
		endpoint:  endpoint,
		store:     store,
		shareds:   make(map[string]any),
		globals:   make(map[string]any),
		seq:       make(map[string]any),
		written:   make(map[external.ID]external.Object),
		refDeltas: make(map[external.ID]int),
		resume:    make(chan resumeSignal, 1),
		postponed: make(chan struct{}),
	}
}

// Generation returns the event generation this context was created for.
func (c *Context) Generation() uint64 { return c.generation }

// liveLocked returns ErrPostponed once the owning event has moved to a
// newer generation, or the error the context was retired with.
func (c *Context) liveLocked() error {
	if c.retired != nil {
		return c.retired
	}
	if c.ev != nil && c.ev.generation.Load() != c.generation {
		return ErrPostponed
	}
	return nil
}

// retire makes every later external access fail with err.
func (c *Context) retire(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired == nil {
		c.retired = err
	}
}

// Shared returns a copy of a shared variable.
func (c *Context) Shared(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.shareds[name]
	return message.Clone(v), ok
}

// SetShared assigns a shared variable in the event's write set. The value
// is stored in its decoded wire form so both endpoints hold the same one.
func (c *Context) SetShared(name string, v any) error {
	norm, err := message.Normalize(v)
	if err != nil {
		return fmt.Errorf("set shared %q: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shareds[name]; !ok {
		return fmt.Errorf("set shared %q: %w", name, ErrNotInFootprint)
	}
	if err := c.checkWritableLocked(name); err != nil {
		return fmt.Errorf("set shared %q: %w", name, err)
	}
	c.shareds[name] = norm
	return nil
}

// checkWritableLocked rejects names outside the event's write set. The
// committed context has no event and accepts every owned name.
func (c *Context) checkWritableLocked(name string) error {
	if c.ev == nil {
		return nil
	}
	if _, ok := c.ev.writes[name]; !ok {
		return fmt.Errorf("not in write set: %w", ErrNotInFootprint)
	}
	return nil
}

// Global returns a copy of an endpoint-global variable. Variables owned
// by the peer report false.
func (c *Context) Global(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.globals[name]
	if !ok || v == dne {
		return nil, false
	}
	return message.Clone(v), true
}

// SetGlobal assigns an endpoint-global variable owned by this endpoint.
func (c *Context) SetGlobal(name string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.globals[name]
	if !ok || old == dne {
		return fmt.Errorf("set global %q: %w", name, ErrNotInFootprint)
	}
	if _, isExt := old.(external.ID); isExt {
		return fmt.Errorf("set global %q: use SetExternal: %w", name, ErrNotExternal)
	}
	if err := c.checkWritableLocked(name); err != nil {
		return fmt.Errorf("set global %q: %w", name, err)
	}
	c.globals[name] = message.Clone(v)
	return nil
}

// Seq returns a sequence-local variable.
func (c *Context) Seq(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.seq[name]
	return message.Clone(v), ok
}

// SetSeq assigns a sequence-local variable. It travels with every
// envelope of the event, so it is stored in its decoded wire form.
func (c *Context) SetSeq(name string, v any) error {
	norm, err := message.Normalize(v)
	if err != nil {
		return fmt.Errorf("set seq %q: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[name] = norm
	return nil
}

func (c *Context) externalIDLocked(name string) (external.ID, error) {
	v, ok := c.globals[name]
	if !ok || v == dne {
		return 0, fmt.Errorf("external %q: %w", name, ErrNotInFootprint)
	}
	id, ok := v.(external.ID)
	if !ok || id == 0 {
		return 0, fmt.Errorf("external %q: %w", name, ErrNotExternal)
	}
	return id, nil
}

// External returns the object held by an endpoint-global variable for
// reading. Mutating it without ExternalForWrite leaves the change outside
// the transaction.
func (c *Context) External(name string) (external.Object, error) {
	c.mu.Lock()
	id, err := c.externalIDLocked(name)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.store.Get(c.endpoint, id)
}

// ExternalForWrite returns the object held by an endpoint-global variable
// and records it as written, so commit makes its changes permanent and
// rollback discards them.
func (c *Context) ExternalForWrite(name string) (external.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.liveLocked(); err != nil {
		return nil, err
	}
	id, err := c.externalIDLocked(name)
	if err != nil {
		return nil, err
	}
	if err := c.checkWritableLocked(name); err != nil {
		return nil, fmt.Errorf("external %q: %w", name, err)
	}
	obj, err := c.store.Get(c.endpoint, id)
	if err != nil {
		return nil, err
	}
	c.written[id] = obj
	return obj, nil
}

// SetExternal points an endpoint-global variable at obj. The new object
// gains a reference immediately; the previous one loses its reference at
// commit.
func (c *Context) SetExternal(name string, obj external.Object) error {
	if obj == nil {
		return fmt.Errorf("set external %q: %w", name, ErrNotExternal)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.liveLocked(); err != nil {
		return err
	}
	old, ok := c.globals[name]
	if !ok || old == dne {
		return fmt.Errorf("set external %q: %w", name, ErrNotInFootprint)
	}
	if err := c.checkWritableLocked(name); err != nil {
		return fmt.Errorf("set external %q: %w", name, err)
	}
	if oldID, isExt := old.(external.ID); isExt && oldID != 0 {
		if oldID == obj.ID() {
			return nil
		}
		c.refDeltas[oldID]--
	} else if old != nil {
		return fmt.Errorf("set external %q: %w", name, ErrNotExternal)
	}
	c.store.IncrementAddIfAbsent(c.endpoint, obj)
	c.provisional = append(c.provisional, obj.ID())
	c.globals[name] = obj.ID()
	return nil
}

// MessageSent reports whether any envelope was written for this context.
func (c *Context) MessageSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent > 0
}

func (c *Context) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Context) markSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
}

func (c *Context) addCompletion(fn CompletionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, fn)
}

func (c *Context) takeCompletions() []CompletionFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.completions
	c.completions = nil
	return fns
}

// copyForActiveEvent builds a context holding copies of the footprint
// variables of ev. Footprint names this endpoint does not own are filled
// with the does-not-exist placeholder.
func (c *Context) copyForActiveEvent(ev *ActiveEvent) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := newContext(c.endpoint, c.store)
	out.ev = ev
	out.generation = ev.generation.Load()
	for _, set := range []map[string]struct{}{ev.reads, ev.writes} {
		for name := range set {
			if v, ok := c.shareds[name]; ok {
				out.shareds[name] = message.Clone(v)
			} else if v, ok := c.globals[name]; ok {
				out.globals[name] = message.Clone(v)
			} else {
				out.globals[name] = dne
			}
		}
	}
	for _, name := range ev.proto.SeqGlobals {
		out.seq[name] = nil
	}
	return out
}

// externalID returns the object id held by name, if any.
func (c *Context) externalID(name string) (external.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.globals[name].(external.ID)
	return id, ok && id != 0
}

// holdExternals takes one reference on every external the event touches.
func (c *Context) holdExternals(names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]external.ID, 0, len(names))
	for _, name := range names {
		v, ok := c.globals[name]
		if !ok || v == dne || v == nil {
			continue
		}
		id, isExt := v.(external.ID)
		if !isExt {
			return fmt.Errorf("hold %q: %w", name, ErrNotExternal)
		}
		ids = append(ids, id)
	}
	h, err := c.store.Hold(c.endpoint, ids...)
	if err != nil {
		return err
	}
	c.hold = h
	return nil
}

// EnvironmentData snapshots the context for an outgoing envelope.
// Endpoint globals are never included; names owned by the peer are
// listed as does-not-exist.
func (c *Context) EnvironmentData() *message.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := message.NewPayload()
	for name, v := range c.globals {
		if v == dne {
			p.DNE[name] = true
		}
	}
	for name, v := range c.shareds {
		p.Shareds[name] = message.Clone(v)
	}
	for name, v := range c.seq {
		p.SeqGlobals[name] = message.Clone(v)
	}
	return p
}

// ApplyEnvironmentData merges an incoming payload into the context.
// Endpoint globals the sender marked as does-not-exist are skipped.
func (c *Context) ApplyEnvironmentData(p *message.Payload) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range p.Shareds {
		c.shareds[name] = message.Clone(v)
	}
	for name, v := range p.EndGlobals {
		if p.DNE[name] {
			continue
		}
		c.globals[name] = message.Clone(v)
	}
	for name, v := range p.SeqGlobals {
		c.seq[name] = message.Clone(v)
	}
}

// mergeInto copies shared and owned endpoint-global values into the
// committed context.
func (c *Context) mergeInto(committed *Context) {
	c.mu.Lock()
	shareds := message.CloneMap(c.shareds)
	globals := make(map[string]any, len(c.globals))
	for name, v := range c.globals {
		if v != dne {
			globals[name] = message.Clone(v)
		}
	}
	c.mu.Unlock()

	committed.mu.Lock()
	defer committed.mu.Unlock()
	for name, v := range shareds {
		committed.shareds[name] = v
	}
	for name, v := range globals {
		committed.globals[name] = v
	}
}

// writtenObjects lists the externals recorded as written, ordered by ID.
func (c *Context) writtenObjects() []external.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]external.Object, 0, len(c.written))
	for _, obj := range c.written {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// commit applies the accumulated reference count deltas and gives back
// the references held for the event.
func (c *Context) commit() error {
	c.mu.Lock()
	deltas := c.refDeltas
	c.refDeltas = make(map[external.ID]int)
	c.provisional = nil
	hold := c.hold
	c.hold = nil
	c.mu.Unlock()

	var errs []error
	for id, d := range deltas {
		if d == 0 {
			continue
		}
		if err := c.store.ChangeRefCount(c.endpoint, id, d); err != nil {
			errs = append(errs, err)
		}
	}
	if hold != nil {
		if err := hold.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// backoutExternalChanges discards staged changes on every written
// external, drops provisional references, and gives back held references.
func (c *Context) backoutExternalChanges() error {
	c.mu.Lock()
	written := make([]external.Object, 0, len(c.written))
	for _, obj := range c.written {
		written = append(written, obj)
	}
	c.written = make(map[external.ID]external.Object)
	provisional := c.provisional
	c.provisional = nil
	c.refDeltas = make(map[external.ID]int)
	hold := c.hold
	c.hold = nil
	c.mu.Unlock()

	for _, obj := range written {
		obj.Backout()
	}
	var errs []error
	for _, id := range provisional {
		if err := c.store.ChangeRefCount(c.endpoint, id, -1); err != nil {
			errs = append(errs, err)
		}
	}
	if hold != nil {
		if err := hold.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// signal wakes a body waiting on this context. It never blocks; a signal
// nobody has consumed yet is kept and later ones are dropped.
func (c *Context) signal(s resumeSignal) {
	select {
	case c.resume <- s:
	default:
	}
}

// signalPostponed tells any waiting body to unwind.
func (c *Context) signalPostponed() {
	c.postponedOnce.Do(func() { close(c.postponed) })
}

// snapshot returns the committed-safe variable values for journaling.
func (c *Context) snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.shareds)+len(c.globals))
	for name, v := range c.shareds {
		out[name] = message.Clone(v)
	}
	for name, v := range c.globals {
		if v != dne {
			out[name] = message.Clone(v)
		}
	}
	return out
}
