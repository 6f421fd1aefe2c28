package pairsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/observability"
	"github.com/randalmurphal/pairsync/pkg/pairsync/registry"
	"github.com/randalmurphal/pairsync/pkg/pairsync/transport"
)

// EndpointSpec describes the state and steps of one side of a pair.
type EndpointSpec struct {
	// Name identifies the endpoint in logs, completion callbacks and the
	// external store.
	Name string

	// HighPriority wins conflicting event starts. Exactly one endpoint of
	// a pair must set it.
	HighPriority bool

	// Shareds are the variables both endpoints hold. Both sides must
	// declare the same names with the same initial values.
	Shareds map[string]any

	// Globals are the variables only this endpoint holds.
	Globals map[string]any

	// Externals are endpoint globals that hold external objects. A nil
	// object declares the variable without a value.
	Externals map[string]external.Object

	// Steps maps entry and step names to their functions.
	Steps map[StepName]StepFunc

	// Init runs once against the committed context before the endpoint
	// accepts work.
	Init func(vars *Context) error
}

type activeEntry struct {
	ev   *ActiveEvent
	vars *Context
	// peerAborted is set when the peer rolled the event back before the
	// local body finished.
	peerAborted bool
}

// Endpoint schedules and commits events for one side of a connection.
//
// Each admitted event body runs on its own goroutine. All bookkeeping
// (active and inactive events, variable usage counters, the committed
// context) is guarded by one mutex, and messages are written to the
// connection while it is held so that envelopes leave in decision order.
type Endpoint struct {
	name     string
	high     bool
	conn     transport.Connection
	protocol *Protocol
	steps    *registry.Table[StepName, StepFunc]
	cfg      endpointConfig
	logger   *slog.Logger

	mu        sync.Mutex
	committed *Context
	active    map[int64]*activeEntry
	inactive  []*ActiveEvent
	readers   map[string]int
	writers   map[string]int
	owned     map[string]struct{}
	lastID    int64
	err       error
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an endpoint, runs its initializer and registers it with conn.
// The protocol is frozen; both endpoints of a pair should share it.
func New(conn transport.Connection, protocol *Protocol, spec EndpointSpec, opts ...Option) (*Endpoint, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}
	if spec.Name == "" {
		return nil, ErrMissingName
	}
	if protocol == nil {
		protocol = NewProtocol()
	}

	cfg := defaultEndpointConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = external.NewStore()
	}
	if cfg.reservations == nil {
		cfg.reservations = external.NewReservationManager()
	}
	protocol.Freeze()

	steps, err := buildSteps(spec.Steps)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", spec.Name, err)
	}

	committed := newContext(spec.Name, cfg.store)
	owned := make(map[string]struct{}, len(spec.Shareds)+len(spec.Globals)+len(spec.Externals))
	declare := func(name string) error {
		if _, dup := owned[name]; dup {
			return fmt.Errorf("endpoint %s: %q: %w", spec.Name, name, ErrDuplicateVariable)
		}
		owned[name] = struct{}{}
		return nil
	}
	for name, v := range spec.Shareds {
		if err := declare(name); err != nil {
			return nil, err
		}
		norm, err := message.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: shared %q: %w", spec.Name, name, err)
		}
		committed.shareds[name] = norm
	}
	for name, v := range spec.Globals {
		if err := declare(name); err != nil {
			return nil, err
		}
		committed.globals[name] = message.Clone(v)
	}
	for name, obj := range spec.Externals {
		if err := declare(name); err != nil {
			return nil, err
		}
		if obj == nil {
			committed.globals[name] = nil
			continue
		}
		cfg.store.IncrementAddIfAbsent(spec.Name, obj)
		committed.globals[name] = obj.ID()
	}

	if spec.Init != nil {
		if err := spec.Init(committed); err != nil {
			if berr := committed.backoutExternalChanges(); berr != nil {
				err = errors.Join(err, berr)
			}
			return nil, fmt.Errorf("init %s: %w", spec.Name, err)
		}
		for _, obj := range committed.writtenObjects() {
			obj.Commit()
		}
		committed.written = make(map[external.ID]external.Object)
		if err := committed.commit(); err != nil {
			return nil, fmt.Errorf("init %s: %w", spec.Name, err)
		}
	}

	// Ids step by two from disjoint starting points so their parity
	// names the initiator: even for the low side, odd for the high side.
	lastID := int64(-2)
	if spec.HighPriority {
		lastID = -1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		name:      spec.Name,
		high:      spec.HighPriority,
		conn:      conn,
		protocol:  protocol,
		steps:     steps,
		cfg:       cfg,
		logger:    cfg.logger.With("endpoint", spec.Name),
		committed: committed,
		active:    make(map[int64]*activeEntry),
		readers:   make(map[string]int),
		writers:   make(map[string]int),
		owned:     owned,
		lastID:    lastID,
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := conn.Register(e); err != nil {
		cancel()
		return nil, fmt.Errorf("register %s: %w", spec.Name, err)
	}
	return e, nil
}

func buildSteps(user map[StepName]StepFunc) (*registry.Table[StepName, StepFunc], error) {
	steps := registry.New[StepName, StepFunc]()
	for name, fn := range user {
		if name == refreshStep || name == refreshReceiveStep {
			return nil, fmt.Errorf("%w: %s", ErrReservedStep, name)
		}
		if err := message.ValidateStepName(string(name)); err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		if fn == nil {
			return nil, fmt.Errorf("%w: %s has no function", ErrUnknownStep, name)
		}
		if err := steps.Register(name, fn); err != nil {
			return nil, err
		}
	}
	steps.MustRegister(refreshStep, refreshBody)
	steps.MustRegister(refreshReceiveStep, refreshReceive)
	steps.Freeze()
	return steps, nil
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// HighPriority reports whether this endpoint wins conflicting starts.
func (e *Endpoint) HighPriority() bool { return e.high }

// Err returns the error that stopped the endpoint, or nil while it runs.
// It does not report a plain Close.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Shared returns a copy of a committed shared variable.
func (e *Endpoint) Shared(name string) (any, bool) {
	return e.committed.Shared(name)
}

// Global returns a copy of a committed endpoint-global variable.
func (e *Endpoint) Global(name string) (any, bool) {
	return e.committed.Global(name)
}

// External returns the external object a committed endpoint-global holds.
// Mutating it outside an event bypasses reservations.
func (e *Endpoint) External(name string) (external.Object, error) {
	return e.committed.External(name)
}

// initiatedBy reports whether id belongs to an event this endpoint started.
func (e *Endpoint) initiatedBy(id int64) bool {
	odd := id%2 != 0
	return odd == e.high
}

// stoppedLocked returns the error a caller should see once the endpoint
// no longer accepts work.
func (e *Endpoint) stoppedLocked() error {
	if e.err != nil {
		return e.err
	}
	if e.closed {
		return ErrClosed
	}
	return nil
}

// countersAllowLocked reports whether ev can be admitted under the usage
// counters alone.
func (e *Endpoint) countersAllowLocked(ev *ActiveEvent) bool {
	reads, writes := ev.lockSets(e.owned)
	for _, name := range reads {
		if e.writers[name] > 0 {
			return false
		}
	}
	for _, name := range writes {
		if e.writers[name] > 0 || e.readers[name] > 0 {
			return false
		}
	}
	return true
}

// tryAdmitLocked reserves ev's footprint and returns its fresh context.
//
// With force set, every conflicting event this endpoint initiated is
// postponed first; a conflict with an event the peer initiated still
// denies. Object reservations can deny even a forced admission. When
// assignID is set a new id from this endpoint's residue class is used.
func (e *Endpoint) tryAdmitLocked(ev *ActiveEvent, force, assignID bool) (*Context, bool) {
	if e.stoppedLocked() != nil {
		return nil, false
	}

	if force {
		var victims []*activeEntry
		for _, entry := range e.active {
			if !ev.conflicts(entry.ev, e.owned) {
				continue
			}
			if !entry.ev.initiated {
				e.deniedLocked(ev, "conflicts with a peer event")
				return nil, false
			}
			victims = append(victims, entry)
		}
		sort.Slice(victims, func(i, j int) bool { return victims[i].ev.id < victims[j].ev.id })
		for _, v := range victims {
			e.postponeLocked(v, fmt.Sprintf("preempted by peer event %s", ev.Name()), true)
		}
	} else if !e.countersAllowLocked(ev) {
		e.deniedLocked(ev, "variable in use")
		return nil, false
	}

	var extReads, extWrites []external.ID
	for _, name := range ev.proto.Externals {
		id, ok := e.committed.externalID(name)
		if !ok {
			continue
		}
		if _, w := ev.writes[name]; w {
			extWrites = append(extWrites, id)
		} else {
			extReads = append(extReads, id)
		}
	}
	if !e.cfg.reservations.Acquire(extReads, extWrites) {
		e.deniedLocked(ev, "external object reserved")
		return nil, false
	}

	reads, writes := ev.lockSets(e.owned)
	for _, name := range reads {
		e.readers[name]++
	}
	for _, name := range writes {
		e.writers[name]++
	}
	if assignID {
		e.lastID += 2
		ev.id = e.lastID
	}

	vars := e.committed.copyForActiveEvent(ev)
	vars.reservedReads, vars.reservedWrites = extReads, extWrites
	e.active[ev.id] = &activeEntry{ev: ev, vars: vars}

	if err := vars.holdExternals(ev.proto.Externals); err != nil {
		e.cancelLocked(ev)
		e.releaseReservationsLocked(vars, nil)
		e.failLocked(&InvariantError{Op: "admit", EventID: ev.id, Err: err})
		return nil, false
	}

	observability.LogEventAdmitted(e.logger, ev.id, ev.Name(), force)
	e.cfg.metrics.RecordAdmission(e.ctx, e.name, ev.Name(), true)
	return vars, true
}

func (e *Endpoint) deniedLocked(ev *ActiveEvent, reason string) {
	observability.LogEventDenied(e.logger, ev.Name(), reason)
	e.cfg.metrics.RecordAdmission(e.ctx, e.name, ev.Name(), false)
}

// cancelLocked removes ev from the active set and gives back its usage
// counters. It reports whether any counter dropped to zero.
func (e *Endpoint) cancelLocked(ev *ActiveEvent) bool {
	entry, ok := e.active[ev.id]
	if !ok || entry.ev != ev {
		return false
	}
	delete(e.active, ev.id)

	freed := false
	reads, writes := ev.lockSets(e.owned)
	for _, name := range reads {
		if e.readers[name]--; e.readers[name] <= 0 {
			delete(e.readers, name)
			freed = true
		}
	}
	for _, name := range writes {
		if e.writers[name]--; e.writers[name] <= 0 {
			delete(e.writers, name)
			freed = true
		}
	}
	return freed
}

func (e *Endpoint) releaseReservationsLocked(vars *Context, committed []external.Object) {
	e.cfg.reservations.Release(vars.reservedReads, vars.reservedWrites, committed)
	vars.reservedReads, vars.reservedWrites = nil, nil
}

// postponeLocked moves an initiated event back to the head of the
// inactive queue. Its running execution is invalidated and told to unwind;
// its external changes are rolled back before anything else can be
// admitted against the same objects.
//
// With notifyPeer set and a message already sent for the event, the peer
// is told to abort the old id: the retry runs under a new id, so nothing
// else would ever release what the peer admitted. An event whose caller
// has given up is dropped instead of requeued.
func (e *Endpoint) postponeLocked(entry *activeEntry, cause string, notifyPeer bool) {
	ev, vars := entry.ev, entry.vars
	e.cancelLocked(ev)
	oldID := ev.id
	ev.generation.Add(1)

	if notifyPeer && vars.MessageSent() && e.stoppedLocked() == nil {
		if err := e.writeLocked(&message.Message{
			Control:   message.Abort,
			EventID:   oldID,
			EventName: ev.Name(),
		}); err != nil {
			e.failLocked(err)
		}
	}

	err := vars.backoutExternalChanges()
	vars.retire(ErrPostponed)
	e.releaseReservationsLocked(vars, nil)
	if ev.abandoned != nil {
		ev.deliver(outcome{err: ev.abandoned})
	} else {
		e.inactive = append([]*ActiveEvent{ev}, e.inactive...)
	}
	vars.signalPostponed()

	observability.LogEventPostponed(e.logger, oldID, ev.Name(), cause)
	e.cfg.metrics.RecordPostponement(e.ctx, e.name, ev.Name())
	if err != nil {
		e.failLocked(&InvariantError{Op: "postpone", EventID: oldID, Err: err})
	}
}

// scheduleRetry re-attempts admission for every inactive event, in queue
// order, and starts the ones admitted. Calling it again with no state
// change admits nothing.
func (e *Endpoint) scheduleRetry() {
	e.mu.Lock()
	if e.stoppedLocked() != nil {
		e.mu.Unlock()
		return
	}
	var started []*activeEntry
	remaining := make([]*ActiveEvent, 0, len(e.inactive))
	for _, ev := range e.inactive {
		if e.err != nil {
			remaining = append(remaining, ev)
			continue
		}
		if vars, ok := e.tryAdmitLocked(ev, false, true); ok {
			started = append(started, &activeEntry{ev: ev, vars: vars})
			continue
		}
		remaining = append(remaining, ev)
	}
	e.inactive = remaining
	if e.err == nil {
		e.wg.Add(len(started))
	} else {
		started = nil
	}
	e.mu.Unlock()

	for _, entry := range started {
		go e.runEvent(entry.ev, entry.vars)
	}
}

// withdraw removes ev from the inactive queue. It reports false when ev
// was already admitted.
func (e *Endpoint) withdraw(ev *ActiveEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawLocked(ev)
}

func (e *Endpoint) withdrawLocked(ev *ActiveEvent) bool {
	for i, queued := range e.inactive {
		if queued == ev {
			e.inactive = append(e.inactive[:i], e.inactive[i+1:]...)
			return true
		}
	}
	return false
}

// abandon withdraws a queued ev, or marks an admitted one so that its next
// postponement drops it with cause instead of retrying it.
func (e *Endpoint) abandon(ev *ActiveEvent, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.withdrawLocked(ev) {
		return true
	}
	ev.abandoned = cause
	return false
}

// checkLive returns nil while vars is the current context of an active ev.
func (e *Endpoint) checkLive(ev *ActiveEvent, vars *Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLiveLocked(ev, vars)
}

func (e *Endpoint) checkLiveLocked(ev *ActiveEvent, vars *Context) error {
	if err := e.stoppedLocked(); err != nil {
		return err
	}
	vars.mu.Lock()
	err := vars.liveLocked()
	vars.mu.Unlock()
	if err != nil {
		return err
	}
	entry, ok := e.active[ev.id]
	if !ok || entry.vars != vars {
		return ErrPostponed
	}
	return nil
}

// writeForEvent sends msg on behalf of a live execution, attaching the
// context snapshot. Nothing is sent for a stale execution.
func (e *Endpoint) writeForEvent(ev *ActiveEvent, vars *Context, msg *message.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLiveLocked(ev, vars); err != nil {
		return err
	}
	msg.Context = vars.EnvironmentData()
	vars.markSent()
	return e.writeLocked(msg)
}

func (e *Endpoint) writeLocked(msg *message.Message) error {
	if err := e.conn.WriteMessage(e.name, msg); err != nil {
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrPeerClosed) {
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return err
	}
	observability.LogMessageSent(e.logger, string(msg.Control), msg.EventID)
	e.cfg.metrics.RecordMessage(e.ctx, e.name, "out", controlLabel(msg.Control))
	return nil
}

// controlLabel keeps step names out of metric attributes.
func controlLabel(c message.Control) string {
	if c.IsSentinel() {
		return string(c)
	}
	return "step"
}

// failLocked stops the endpoint with err. Only the first failure is kept
// and reported to the fatal handler.
func (e *Endpoint) failLocked(err error) {
	if e.err != nil || e.closed {
		return
	}
	e.err = err
	e.cancel()

	var inv *InvariantError
	if errors.As(err, &inv) {
		observability.LogInvariantFailure(e.logger, inv.Op, inv.EventID, inv.Err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.cfg.onFatal != nil {
			e.cfg.onFatal(err)
			return
		}
		e.logger.Error("endpoint stopped", "error", err)
	}()
}

func (e *Endpoint) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLocked(err)
}

// Close stops the endpoint and closes its connection. Running bodies are
// canceled; Close waits for them up to the drain timeout.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancel()
	e.mu.Unlock()

	err := e.conn.Close()
	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.drainTimeout):
		e.logger.Warn("close timed out waiting for running events", "timeout", e.cfg.drainTimeout)
	}
	return err
}
