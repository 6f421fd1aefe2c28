package pairsync

import (
	"context"
	"fmt"

	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
)

// Call runs event and blocks until it commits or fails.
//
// The event is admitted immediately when its footprint is free, and
// queued otherwise; postponements and retries are invisible to the
// caller. Arguments that are external objects are held for the duration
// of the call. If ctx ends while the event is queued, the event is
// withdrawn and ctx.Err() is returned. If it ends while the event is
// admitted, the call still waits for the outcome, unless the event is
// postponed first; it is then dropped and ctx.Err() returned.
//
// Example:
//
//	name, err := ep.Call(ctx, "set_name", "alice")
func (e *Endpoint) Call(ctx context.Context, event string, args ...any) (any, error) {
	proto, ok := e.protocol.Prototype(event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	held := e.holdArgs(args)
	defer e.releaseArgs(held)

	ev := newActiveEvent(proto, args, true)
	e.mu.Lock()
	if err := e.stoppedLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if vars, admitted := e.tryAdmitLocked(ev, false, true); admitted {
		e.wg.Add(1)
		e.mu.Unlock()
		go e.runEvent(ev, vars)
	} else {
		if err := e.stoppedLocked(); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.inactive = append(e.inactive, ev)
		e.mu.Unlock()
	}

	select {
	case out := <-ev.result:
		return out.value, out.err
	case <-ctx.Done():
		if e.abandon(ev, ctx.Err()) {
			return nil, ctx.Err()
		}
		return e.await(ev)
	case <-e.ctx.Done():
		return e.settle(ev)
	}
}

// await waits for the outcome of an admitted event whose caller gave up.
func (e *Endpoint) await(ev *ActiveEvent) (any, error) {
	select {
	case out := <-ev.result:
		return out.value, out.err
	case <-e.ctx.Done():
		return e.settle(ev)
	}
}

// settle prefers an outcome that raced with shutdown.
func (e *Endpoint) settle(ev *ActiveEvent) (any, error) {
	select {
	case out := <-ev.result:
		return out.value, out.err
	default:
	}
	e.withdraw(ev)
	if err := e.Err(); err != nil {
		return nil, err
	}
	return nil, ErrClosed
}

func (e *Endpoint) holdArgs(args []any) []external.ID {
	var ids []external.ID
	for _, arg := range args {
		obj, ok := arg.(external.Object)
		if !ok {
			continue
		}
		e.cfg.store.IncrementAddIfAbsent(e.name, obj)
		ids = append(ids, obj.ID())
	}
	return ids
}

// releaseArgs drops the references taken by holdArgs, then sweeps the
// store and retries queued events.
func (e *Endpoint) releaseArgs(ids []external.ID) {
	for _, id := range ids {
		if err := e.cfg.store.ChangeRefCount(e.name, id, -1); err != nil {
			e.fail(&InvariantError{Op: "call", EventID: -1, Err: err})
		}
	}
	if len(ids) > 0 {
		e.cfg.store.GC()
	}
	e.scheduleRetry()
}
