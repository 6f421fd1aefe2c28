package pairsync

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/observability"
)

// Exec is the handle an event body or step runs with.
//
// It embeds the endpoint's lifetime context, so it is canceled when the
// endpoint closes or loses its connection.
//
// Sequence, Jump and Finish return ErrPostponed once the execution has
// been superseded. A body receiving ErrPostponed must return it without
// further work; the event runs again from its entry step later.
type Exec interface {
	context.Context

	// Logger returns a logger carrying the endpoint, event and step.
	Logger() *slog.Logger

	// EventID returns the id of the running event.
	EventID() int64

	// EventName returns the name of the running event.
	EventName() string

	// Step returns the step being executed.
	Step() StepName

	// Args returns the arguments passed to Call. Steps run for the peer
	// see no arguments.
	Args() []any

	// Vars returns the event's private variable context.
	Vars() *Context

	// Initiator reports whether this endpoint started the event.
	Initiator() bool

	// Sequence asks the peer to run step and, when called from the entry
	// body of the initiating endpoint, waits until the sequence finishes.
	// Everywhere else it behaves like Jump.
	Sequence(step StepName, sequence string) error

	// Jump asks the peer to run step and returns without waiting.
	Jump(step StepName, sequence string) error

	// Finish ends sequence. Completion callbacks registered for this
	// endpoint and sequence are queued to run after commit, and the peer
	// is told the sequence finished.
	Finish(sequence string) error
}

type exec struct {
	context.Context

	e      *Endpoint
	ev     *ActiveEvent
	vars   *Context
	step   StepName
	entry  bool
	logger *slog.Logger
}

func (e *Endpoint) newExec(ctx context.Context, ev *ActiveEvent, vars *Context, step StepName, entry bool) *exec {
	return &exec{
		Context: ctx,
		e:       e,
		ev:      ev,
		vars:    vars,
		step:    step,
		entry:   entry,
		logger:  observability.EnrichLogger(e.logger, ev.id, ev.Name(), vars.generation).With("step", string(step)),
	}
}

func (x *exec) Logger() *slog.Logger { return x.logger }
func (x *exec) EventID() int64       { return x.ev.id }
func (x *exec) EventName() string    { return x.ev.Name() }
func (x *exec) Step() StepName       { return x.step }
func (x *exec) Vars() *Context       { return x.vars }
func (x *exec) Initiator() bool      { return x.ev.initiated }

func (x *exec) Args() []any {
	if !x.entry {
		return nil
	}
	return x.ev.args
}

func (x *exec) Sequence(step StepName, sequence string) error {
	if err := x.send(step, sequence); err != nil {
		return err
	}
	if !x.entry || !x.ev.initiated {
		return nil
	}
	return x.wait()
}

func (x *exec) Jump(step StepName, sequence string) error {
	return x.send(step, sequence)
}

func (x *exec) Finish(sequence string) error {
	if fn, ok := x.e.protocol.completion(x.e.name, sequence); ok {
		x.vars.addCompletion(fn)
	}
	if x.entry {
		// Nothing is waiting on a sequence the body itself finishes.
		return x.e.checkLive(x.ev, x.vars)
	}
	err := x.e.writeForEvent(x.ev, x.vars, &message.Message{
		Control:      message.SequenceFinished,
		EventID:      x.ev.id,
		EventName:    x.ev.Name(),
		SequenceName: sequence,
	})
	if err != nil {
		return err
	}
	if x.ev.initiated {
		x.vars.signal(resumeSignal{})
	}
	return nil
}

func (x *exec) send(step StepName, sequence string) error {
	if err := message.ValidateStepName(string(step)); err != nil {
		return err
	}
	return x.e.writeForEvent(x.ev, x.vars, &message.Message{
		Control:      message.Control(step),
		EventID:      x.ev.id,
		EventName:    x.ev.Name(),
		SequenceName: sequence,
	})
}

// wait blocks until the peer finishes the sequence, the event is
// postponed, or the endpoint shuts down.
func (x *exec) wait() error {
	select {
	case s := <-x.vars.resume:
		if s.err != nil {
			return s.err
		}
		return x.e.checkLive(x.ev, x.vars)
	case <-x.vars.postponed:
		return ErrPostponed
	case <-x.Done():
		if err := x.e.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
}
