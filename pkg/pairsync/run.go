package pairsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/pairsync/pkg/pairsync/journal"
	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/observability"
)

// runEvent executes the entry body of an initiated event and settles the
// outcome: commit, unwind after postponement, or abort.
func (e *Endpoint) runEvent(ev *ActiveEvent, vars *Context) {
	defer e.wg.Done()

	ctx, span := e.cfg.spans.StartEventSpan(e.ctx, e.name, ev.Name(), ev.id, vars.generation)
	x := e.newExec(ctx, ev, vars, ev.proto.Entry, true)
	value, err := e.invoke(x)
	if errors.Is(err, ErrPostponed) {
		e.cfg.spans.EndPostponed(span)
	} else {
		e.cfg.spans.EndSpanWithError(span, err)
	}

	if err == nil {
		err = e.complete(ev, vars, value)
		if err == nil {
			return
		}
	}
	if errors.Is(err, ErrPostponed) {
		e.scheduleRetry()
		return
	}
	e.abort(ev, vars, err, !errors.Is(err, ErrAborted))
}

// runStep executes a step requested by the peer.
func (e *Endpoint) runStep(entry *activeEntry, step StepName) {
	defer e.wg.Done()
	ev, vars := entry.ev, entry.vars

	ctx, span := e.cfg.spans.StartStepSpan(e.ctx, e.name, string(step), ev.id)
	x := e.newExec(ctx, ev, vars, step, false)
	sentBefore := vars.sentCount()
	_, err := e.invoke(x)
	e.cfg.spans.EndSpanWithError(span, err)

	if err == nil || errors.Is(err, ErrPostponed) {
		return
	}
	if vars.sentCount() != sentBefore {
		// Control already went back to the peer; the step's error cannot
		// change the outcome any more.
		x.Logger().Warn("step failed after handing control to peer", "error", err)
		return
	}
	if ev.initiated {
		vars.signal(resumeSignal{err: err})
		return
	}
	e.abort(ev, vars, err, !errors.Is(err, ErrAborted))
}

// invoke runs one step function with panic recovery.
func (e *Endpoint) invoke(x *exec) (value any, err error) {
	fn, ok := e.steps.Get(x.step)
	if !ok {
		return nil, &StepError{Step: x.step, EventID: x.ev.id, Err: ErrUnknownStep}
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{
				Step:  x.step,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()

	value, err = fn(x)
	if err != nil && !errors.Is(err, ErrPostponed) {
		return value, &StepError{Step: x.step, EventID: x.ev.id, Err: err}
	}
	return value, err
}

// complete commits an initiated event whose body returned normally and
// tells the peer to commit too when the event ever reached it.
func (e *Endpoint) complete(ev *ActiveEvent, vars *Context, value any) error {
	e.mu.Lock()
	if err := e.checkLiveLocked(ev, vars); err != nil {
		e.mu.Unlock()
		return err
	}
	entry := e.active[ev.id]
	if entry.peerAborted {
		e.mu.Unlock()
		return ErrAborted
	}

	sent := vars.MessageSent()
	payload := vars.EnvironmentData()
	if err := e.commitLocked(entry); err != nil {
		inv := &InvariantError{Op: "commit", EventID: ev.id, Err: err}
		e.failLocked(inv)
		e.mu.Unlock()
		ev.deliver(outcome{err: inv})
		return nil
	}
	if sent {
		err := e.writeLocked(&message.Message{
			Control:   message.Release,
			EventID:   ev.id,
			EventName: ev.Name(),
			Context:   payload,
		})
		if err != nil {
			e.failLocked(err)
		}
	}
	e.mu.Unlock()

	ev.deliver(outcome{value: value})
	e.afterCommit(entry)
	return nil
}

// commitLocked makes an event's context permanent: written externals are
// committed as their reservations are released, reference deltas are
// applied, and the values are merged into the committed context.
func (e *Endpoint) commitLocked(entry *activeEntry) error {
	ev, vars := entry.ev, entry.vars
	e.releaseReservationsLocked(vars, vars.writtenObjects())
	err := vars.commit()
	vars.mergeInto(e.committed)
	vars.retire(ErrClosed)
	e.cancelLocked(ev)
	return err
}

// afterCommit runs the bookkeeping that does not need the endpoint lock.
func (e *Endpoint) afterCommit(entry *activeEntry) {
	ev, vars := entry.ev, entry.vars
	latency := time.Since(ev.requested)
	observability.LogEventCommitted(e.logger, ev.id, ev.Name(), float64(latency.Microseconds())/1000)
	e.cfg.metrics.RecordCommit(e.ctx, e.name, ev.Name(), latency)

	e.journalCommit(ev, vars)
	for _, fn := range vars.takeCompletions() {
		e.runCompletion(fn, vars)
	}
	e.scheduleRetry()
	e.cfg.store.GC()
}

func (e *Endpoint) journalCommit(ev *ActiveEvent, vars *Context) {
	if e.cfg.journal == nil {
		return
	}
	snapshot, err := json.Marshal(vars.snapshot())
	if err == nil {
		_, err = e.cfg.journal.Append(journal.Record{
			Endpoint:   e.name,
			EventID:    ev.id,
			EventName:  ev.Name(),
			Generation: vars.generation,
			Snapshot:   snapshot,
		})
	}
	if err != nil {
		observability.LogJournalError(e.logger, ev.id, err)
	}
}

func (e *Endpoint) runCompletion(fn CompletionFunc, vars *Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("completion callback panicked",
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		fn(e.ctx, vars)
	}()
}

// abort rolls an event back on this endpoint. With notify set, and when
// the event ever involved the peer, the peer is told to roll back as well.
func (e *Endpoint) abort(ev *ActiveEvent, vars *Context, cause error, notify bool) {
	e.mu.Lock()
	entry, ok := e.active[ev.id]
	if !ok || entry.vars != vars {
		stale := vars.generation != ev.generation.Load()
		e.mu.Unlock()
		if stale {
			e.scheduleRetry()
			return
		}
		if ev.initiated {
			ev.deliver(outcome{err: abortError(cause)})
		}
		return
	}

	e.cancelLocked(ev)
	// A peer-initiated event always has a waiting initiator.
	if notify && e.stoppedLocked() == nil && (vars.MessageSent() || !ev.initiated) {
		if err := e.writeLocked(&message.Message{
			Control:   message.Abort,
			EventID:   ev.id,
			EventName: ev.Name(),
		}); err != nil {
			e.failLocked(err)
		}
	}
	err := vars.backoutExternalChanges()
	vars.retire(ErrAborted)
	e.releaseReservationsLocked(vars, nil)
	if err != nil {
		e.failLocked(&InvariantError{Op: "abort", EventID: ev.id, Err: err})
	}
	e.mu.Unlock()

	observability.LogEventAborted(e.logger, ev.id, ev.Name(), cause)
	e.cfg.metrics.RecordAbort(e.ctx, e.name, ev.Name())
	if ev.initiated {
		ev.deliver(outcome{err: abortError(cause)})
	}
	e.scheduleRetry()
}

func abortError(cause error) error {
	if errors.Is(cause, ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
