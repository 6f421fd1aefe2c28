package pairsync

import (
	"fmt"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/observability"
)

// HandleMessage implements transport.Receiver. The connection calls it
// once per envelope, in arrival order.
func (e *Endpoint) HandleMessage(msg *message.Message) {
	observability.LogMessageReceived(e.logger, string(msg.Control), msg.EventID)
	e.cfg.metrics.RecordMessage(e.ctx, e.name, "in", controlLabel(msg.Control))

	switch msg.Control {
	case message.NotAccepted:
		e.handleNotAccepted(msg)
	case message.Release:
		e.handleRelease(msg)
	case message.SequenceFinished:
		e.handleSequenceFinished(msg)
	case message.Abort:
		e.handleAbort(msg)
	default:
		e.handleStep(msg)
	}
}

// handleNotAccepted postpones an event the peer refused and retries.
func (e *Endpoint) handleNotAccepted(msg *message.Message) {
	e.mu.Lock()
	if e.stoppedLocked() != nil {
		e.mu.Unlock()
		return
	}
	entry, ok := e.active[msg.EventID]
	if ok && !entry.ev.initiated {
		e.failLocked(&InvariantError{
			Op:      "not-accepted",
			EventID: msg.EventID,
			Err:     fmt.Errorf("peer refused its own event %s", entry.ev.Name()),
		})
		e.mu.Unlock()
		return
	}
	if ok {
		// The peer refused the first step, so it holds nothing for this id.
		e.postponeLocked(entry, "not accepted by peer", false)
	}
	e.mu.Unlock()
	e.scheduleRetry()
}

// handleRelease commits a peer-initiated event with the peer's final
// context.
func (e *Endpoint) handleRelease(msg *message.Message) {
	e.mu.Lock()
	if e.stoppedLocked() != nil {
		e.mu.Unlock()
		return
	}
	entry, ok := e.active[msg.EventID]
	if !ok || entry.ev.initiated {
		e.failLocked(&InvariantError{
			Op:      "release",
			EventID: msg.EventID,
			Err:     fmt.Errorf("no peer event %d (%s) is active", msg.EventID, msg.EventName),
		})
		e.mu.Unlock()
		return
	}
	entry.vars.ApplyEnvironmentData(msg.Context)
	if err := e.commitLocked(entry); err != nil {
		e.failLocked(&InvariantError{Op: "release", EventID: msg.EventID, Err: err})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.afterCommit(entry)
}

// handleSequenceFinished resumes the waiting body of an initiated event.
// For a peer-initiated event only the completion callback is queued.
func (e *Endpoint) handleSequenceFinished(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stoppedLocked() != nil {
		return
	}
	entry, ok := e.active[msg.EventID]
	if !ok {
		e.logger.Debug("sequence finished for inactive event", "event_id", msg.EventID)
		return
	}
	if fn, ok := e.protocol.completion(e.name, msg.SequenceName); ok {
		entry.vars.addCompletion(fn)
	}
	if entry.ev.initiated {
		entry.vars.ApplyEnvironmentData(msg.Context)
		entry.vars.signal(resumeSignal{})
	}
}

// handleAbort rolls back an event the peer gave up on.
func (e *Endpoint) handleAbort(msg *message.Message) {
	e.mu.Lock()
	if e.stoppedLocked() != nil {
		e.mu.Unlock()
		return
	}
	entry, ok := e.active[msg.EventID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if entry.ev.initiated {
		entry.peerAborted = true
		entry.vars.signal(resumeSignal{err: ErrAborted})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.abort(entry.ev, entry.vars, ErrAborted, false)
}

// handleStep runs a step the peer asked for, admitting the event first
// when it is new to this endpoint. The peer's requests are admitted by
// force on the low-priority side.
func (e *Endpoint) handleStep(msg *message.Message) {
	step := StepName(msg.Control)

	e.mu.Lock()
	if e.stoppedLocked() != nil {
		e.mu.Unlock()
		return
	}
	if !e.steps.Has(step) {
		e.failLocked(&InvariantError{
			Op:      "step",
			EventID: msg.EventID,
			Err:     fmt.Errorf("%w: %s", ErrUnknownStep, step),
		})
		e.mu.Unlock()
		return
	}

	entry, ok := e.active[msg.EventID]
	if !ok {
		if e.initiatedBy(msg.EventID) {
			e.mu.Unlock()
			e.logger.Warn("step for superseded event ignored",
				"event_id", msg.EventID,
				"event", msg.EventName,
				"step", string(step))
			return
		}
		proto, found := e.protocol.Prototype(msg.EventName)
		if !found {
			e.failLocked(&InvariantError{
				Op:      "step",
				EventID: msg.EventID,
				Err:     fmt.Errorf("%w: %s", ErrUnknownEvent, msg.EventName),
			})
			e.mu.Unlock()
			return
		}

		ev := newActiveEvent(proto, nil, false)
		ev.id = msg.EventID
		if _, admitted := e.tryAdmitLocked(ev, !e.high, false); !admitted {
			if e.err == nil {
				if err := e.writeLocked(&message.Message{
					Control:   message.NotAccepted,
					EventID:   msg.EventID,
					EventName: msg.EventName,
				}); err != nil {
					e.failLocked(err)
				}
			}
			e.mu.Unlock()
			return
		}
		entry = e.active[ev.id]
	}

	entry.ev.entry = step
	entry.vars.ApplyEnvironmentData(msg.Context)
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runStep(entry, step)
}

// HandleDisconnect implements transport.Receiver. Losing the connection
// stops the endpoint; blocked and later calls fail with ErrConnectionLost.
func (e *Endpoint) HandleDisconnect(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.err != nil {
		return
	}
	if err == nil {
		e.failLocked(ErrConnectionLost)
		return
	}
	e.failLocked(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}
