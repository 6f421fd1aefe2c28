package pairsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/transport"
)

// nameProtocol declares set_name, which writes the shared username and
// asks the peer to run store_name, and hold_name, a local event that
// writes username after its gate opens.
func nameProtocol() *Protocol {
	p := NewProtocol()
	p.MustEvent(EventPrototype{Name: "set_name", Entry: "set_name", Writes: []string{"username"}})
	p.MustEvent(EventPrototype{Name: "hold_name", Entry: "hold_name", Writes: []string{"username"}})
	return p
}

type nameSteps struct {
	setRuns  atomic.Int32
	holdRuns atomic.Int32
	started  chan struct{}
	gate     chan struct{}
	once     sync.Once
}

func newNameSteps() *nameSteps {
	return &nameSteps{started: make(chan struct{}), gate: make(chan struct{})}
}

func (s *nameSteps) steps() map[StepName]StepFunc {
	return map[StepName]StepFunc{
		"set_name": func(x Exec) (any, error) {
			s.setRuns.Add(1)
			if err := x.Vars().SetShared("username", x.Args()[0]); err != nil {
				return nil, err
			}
			if err := x.Sequence("store_name", ""); err != nil {
				return nil, err
			}
			return "done", nil
		},
		"store_name": finishStep,
		"hold_name": func(x Exec) (any, error) {
			s.holdRuns.Add(1)
			s.once.Do(func() { close(s.started) })
			<-s.gate
			if err := x.Vars().SetShared("username", "held"); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

func TestNew_Validation(t *testing.T) {
	steps := map[StepName]StepFunc{"a": finishStep}

	_, err := New(nil, NewProtocol(), EndpointSpec{Name: "x"})
	assert.ErrorIs(t, err, ErrNoConnection)

	_, err = New(newRecordingConn(), NewProtocol(), EndpointSpec{})
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = New(newRecordingConn(), NewProtocol(), EndpointSpec{
		Name:  "x",
		Steps: map[StepName]StepFunc{refreshReceiveStep: finishStep},
	})
	assert.ErrorIs(t, err, ErrReservedStep)

	_, err = New(newRecordingConn(), NewProtocol(), EndpointSpec{
		Name:  "x",
		Steps: map[StepName]StepFunc{"$bad": finishStep},
	})
	assert.ErrorIs(t, err, message.ErrReservedName)

	_, err = New(newRecordingConn(), NewProtocol(), EndpointSpec{
		Name:    "x",
		Shareds: map[string]any{"v": 1},
		Globals: map[string]any{"v": 2},
		Steps:   steps,
	})
	assert.ErrorIs(t, err, ErrDuplicateVariable)

	boom := errors.New("boom")
	_, err = New(newRecordingConn(), NewProtocol(), EndpointSpec{
		Name: "x",
		Init: func(*Context) error { return boom },
	})
	assert.ErrorIs(t, err, boom)

	conn := newRecordingConn()
	mustEndpoint(t, conn, NewProtocol(), EndpointSpec{Name: "x"})
	_, err = New(conn, NewProtocol(), EndpointSpec{Name: "y"})
	assert.ErrorIs(t, err, transport.ErrAlreadyRegistered)
}

func TestNew_InitWritesCommittedState(t *testing.T) {
	e := mustEndpoint(t, newRecordingConn(), NewProtocol(), EndpointSpec{
		Name:    "client",
		Globals: map[string]any{"greeting": ""},
		Init: func(vars *Context) error {
			return vars.SetGlobal("greeting", "hello")
		},
	})

	v, ok := e.Global("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestCall_UnknownEvent(t *testing.T) {
	e := mustEndpoint(t, newRecordingConn(), NewProtocol(), EndpointSpec{Name: "client"})

	_, err := e.Call(testContext(t), "missing")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestCall_LocalEventSendsNothing(t *testing.T) {
	conn := newRecordingConn()
	proto := NewProtocol()
	proto.MustEvent(EventPrototype{Name: "incr", Entry: "incr", Reads: []string{"count"}, Writes: []string{"count"}})
	e := mustEndpoint(t, conn, proto, EndpointSpec{
		Name:    "client",
		Globals: map[string]any{"count": 0},
		Steps: map[StepName]StepFunc{
			"incr": func(x Exec) (any, error) {
				v, _ := x.Vars().Global("count")
				n := v.(int) + 1
				return n, x.Vars().SetGlobal("count", n)
			},
		},
	})

	got, err := e.Call(testContext(t), "incr")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	v, _ := e.Global("count")
	assert.Equal(t, 1, v)
	conn.none(t)
}

func TestCall_SequenceRoundTrip(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	res := callAsync(e, "set_name", "alice")

	step := conn.next(t)
	assert.Equal(t, message.Control("store_name"), step.Control)
	assert.Equal(t, int64(0), step.EventID, "low priority ids are even and start at zero")
	assert.Equal(t, "set_name", step.EventName)
	assert.Equal(t, "alice", step.Context.Shareds["username"])
	assert.Empty(t, step.Context.EndGlobals)

	e.HandleMessage(&message.Message{
		Control:   message.SequenceFinished,
		EventID:   step.EventID,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "alice"}),
	})

	release := conn.next(t)
	assert.Equal(t, message.Release, release.Control)
	assert.Equal(t, step.EventID, release.EventID)
	assert.Equal(t, "alice", release.Context.Shareds["username"])

	r := waitCall(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.value)

	v, _ := e.Shared("username")
	assert.Equal(t, "alice", v)
	active, inactive := e.counts()
	assert.Zero(t, active)
	assert.Zero(t, inactive)
}

func TestNotAccepted_PostponesAndRerunsFromTop(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	steps := s.steps()
	setName := steps["set_name"]
	var (
		mu   sync.Mutex
		gens []uint64
	)
	steps["set_name"] = func(x Exec) (any, error) {
		mu.Lock()
		gens = append(gens, x.Vars().Generation())
		mu.Unlock()
		return setName(x)
	}
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   steps,
	})

	res := callAsync(e, "set_name", "alice")
	first := conn.next(t)

	e.HandleMessage(&message.Message{Control: message.NotAccepted, EventID: first.EventID})

	second := conn.next(t)
	assert.Equal(t, message.Control("store_name"), second.Control)
	assert.Equal(t, first.EventID+2, second.EventID, "a retried event gets a fresh id")

	e.HandleMessage(&message.Message{
		Control:   message.SequenceFinished,
		EventID:   second.EventID,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "alice"}),
	})
	release := conn.next(t)
	assert.Equal(t, second.EventID, release.EventID)

	r := waitCall(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, int32(2), s.setRuns.Load(), "the body runs again from its entry step")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gens, 2)
	assert.Greater(t, gens[1], gens[0], "the rerun belongs to a newer generation")
}

func TestNotAccepted_DoesNotAbortAtPeer(t *testing.T) {
	conn := newRecordingConn()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   newNameSteps().steps(),
	})

	res := callAsync(e, "set_name", "alice")
	first := conn.next(t)
	e.HandleMessage(&message.Message{Control: message.NotAccepted, EventID: first.EventID})

	second := conn.next(t)
	assert.Equal(t, message.Control("store_name"), second.Control, "a refused event is retried without an abort")

	e.HandleMessage(&message.Message{
		Control:   message.SequenceFinished,
		EventID:   second.EventID,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "alice"}),
	})
	assert.Equal(t, message.Release, conn.next(t).Control)
	require.NoError(t, waitCall(t, res).err)
}

func TestHandleStep_PreemptedEventAbortsAtPeer(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	res := callAsync(e, "set_name", "alice")
	first := conn.next(t)
	require.Equal(t, message.Control("store_name"), first.Control)

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})

	abort := conn.next(t)
	assert.Equal(t, message.Abort, abort.Control, "the peer is told to drop the superseded id")
	assert.Equal(t, first.EventID, abort.EventID)
	finished := conn.next(t)
	assert.Equal(t, message.SequenceFinished, finished.Control)
	assert.Equal(t, int64(1), finished.EventID)

	e.HandleMessage(&message.Message{
		Control:   message.Release,
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})

	retry := conn.next(t)
	assert.Equal(t, message.Control("store_name"), retry.Control)
	assert.Equal(t, first.EventID+2, retry.EventID)
	e.HandleMessage(&message.Message{
		Control:   message.SequenceFinished,
		EventID:   retry.EventID,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "alice"}),
	})
	assert.Equal(t, message.Release, conn.next(t).Control)
	require.NoError(t, waitCall(t, res).err)
	assert.Equal(t, int32(2), s.setRuns.Load())
}

func TestCall_CanceledWhileAdmittedEndsAtPostponement(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := callAsyncContext(ctx, e, "hold_name")
	waitSignal(t, s.started, "hold_name to start")

	cancel()
	select {
	case r := <-res:
		t.Fatalf("Call returned while its event was still admitted: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})
	assert.ErrorIs(t, waitCall(t, res).err, context.Canceled)

	assert.Equal(t, message.SequenceFinished, conn.next(t).Control)
	e.HandleMessage(&message.Message{
		Control:   message.Release,
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})
	close(s.gate)

	require.Eventually(t, func() bool {
		active, inactive := e.counts()
		return active == 0 && inactive == 0
	}, waitTimeout, time.Millisecond)
	conn.none(t)
	assert.Equal(t, int32(1), s.holdRuns.Load(), "a dropped event is not retried")
	v, _ := e.Shared("username")
	assert.Equal(t, "peer", v)
}

func TestCall_WriteOutsideWriteSetFails(t *testing.T) {
	proto := NewProtocol()
	proto.MustEvent(EventPrototype{Name: "peek", Entry: "peek", Reads: []string{"count"}})
	e := mustEndpoint(t, newRecordingConn(), proto, EndpointSpec{
		Name:    "client",
		Globals: map[string]any{"count": 3},
		Steps: map[StepName]StepFunc{
			"peek": func(x Exec) (any, error) {
				return nil, x.Vars().SetGlobal("count", 4)
			},
		},
	})

	_, err := e.Call(testContext(t), "peek")
	assert.ErrorIs(t, err, ErrNotInFootprint)
	assert.ErrorIs(t, err, ErrAborted)

	v, _ := e.Global("count")
	assert.Equal(t, 3, v, "the committed value is untouched")
}

func TestHandleStep_HighPriorityDeniesConflict(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:         "server",
		HighPriority: true,
		Shareds:      map[string]any{"username": ""},
		Steps:        s.steps(),
	})

	res := callAsync(e, "hold_name")
	waitSignal(t, s.started, "hold_name to start")

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   0,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})

	denied := conn.next(t)
	assert.Equal(t, message.NotAccepted, denied.Control)
	assert.Equal(t, int64(0), denied.EventID)

	close(s.gate)
	require.NoError(t, waitCall(t, res).err)
	assert.Equal(t, int32(1), s.holdRuns.Load())

	v, _ := e.Shared("username")
	assert.Equal(t, "held", v)
	conn.none(t)
}

func TestHandleStep_LowPriorityPreemptsLocalEvent(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	res := callAsync(e, "hold_name")
	waitSignal(t, s.started, "hold_name to start")

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})

	finished := conn.next(t)
	assert.Equal(t, message.SequenceFinished, finished.Control)
	assert.Equal(t, int64(1), finished.EventID)
	assert.Equal(t, "peer", finished.Context.Shareds["username"])

	_, inactive := e.counts()
	assert.Equal(t, 1, inactive, "the local event waits behind the peer's event")

	e.HandleMessage(&message.Message{
		Control:   message.Release,
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "peer"}),
	})
	close(s.gate)

	require.NoError(t, waitCall(t, res).err)
	assert.Equal(t, int32(2), s.holdRuns.Load())
	v, _ := e.Shared("username")
	assert.Equal(t, "held", v)
}

func TestHandleStep_PeerEventCommitsOnRelease(t *testing.T) {
	conn := newRecordingConn()
	s := newNameSteps()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:         "server",
		HighPriority: true,
		Shareds:      map[string]any{"username": ""},
		Steps:        s.steps(),
	})

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   4,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "bob"}),
	})
	finished := conn.next(t)
	assert.Equal(t, message.SequenceFinished, finished.Control)

	v, _ := e.Shared("username")
	assert.Equal(t, "", v, "nothing is visible before release")

	e.HandleMessage(&message.Message{
		Control:   message.Release,
		EventID:   4,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "bob"}),
	})

	v, _ = e.Shared("username")
	assert.Equal(t, "bob", v)
	active, _ := e.counts()
	assert.Zero(t, active)
}

func TestHandleStep_SupersededEventIgnored(t *testing.T) {
	conn := newRecordingConn()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   newNameSteps().steps(),
	})

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   6,
		EventName: "set_name",
		Context:   stepPayload(nil),
	})

	conn.none(t)
	assert.NoError(t, e.Err())
}

func TestInvariant_ReleaseForUnknownEvent(t *testing.T) {
	fatal := make(chan error, 1)
	e := mustEndpoint(t, newRecordingConn(), nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
	}, WithFatalHandler(func(err error) { fatal <- err }))

	e.HandleMessage(&message.Message{
		Control: message.Release,
		EventID: 9,
		Context: stepPayload(map[string]any{"username": "x"}),
	})

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrInvariant)
	case <-time.After(waitTimeout):
		t.Fatal("fatal handler not called")
	}

	var inv *InvariantError
	require.ErrorAs(t, e.Err(), &inv)
	assert.Equal(t, "release", inv.Op)
	assert.Equal(t, CategoryInvariant, Categorize(e.Err()))

	_, err := e.Call(testContext(t), "set_name", "y")
	assert.ErrorIs(t, err, ErrInvariant)

	v, _ := e.Shared("username")
	assert.Equal(t, "", v)
}

func TestInvariant_UnknownStep(t *testing.T) {
	e := mustEndpoint(t, newRecordingConn(), nameProtocol(), EndpointSpec{Name: "client"},
		WithFatalHandler(func(error) {}))

	e.HandleMessage(&message.Message{
		Control:   "no_such_step",
		EventID:   1,
		EventName: "set_name",
		Context:   stepPayload(nil),
	})

	assert.ErrorIs(t, e.Err(), ErrUnknownStep)
	assert.ErrorIs(t, e.Err(), ErrInvariant)
}

func TestAbort_BodyErrorRollsBackAndNotifies(t *testing.T) {
	conn := newRecordingConn()
	boom := errors.New("boom")
	proto := nameProtocol()
	e := mustEndpoint(t, conn, proto, EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps: map[StepName]StepFunc{
			"set_name": func(x Exec) (any, error) {
				if err := x.Vars().SetShared("username", "bad"); err != nil {
					return nil, err
				}
				if err := x.Sequence("store_name", ""); err != nil {
					return nil, err
				}
				return nil, boom
			},
		},
	})

	res := callAsync(e, "set_name")
	step := conn.next(t)
	e.HandleMessage(&message.Message{
		Control: message.SequenceFinished,
		EventID: step.EventID,
		Context: stepPayload(map[string]any{"username": "bad"}),
	})

	abort := conn.next(t)
	assert.Equal(t, message.Abort, abort.Control)
	assert.Equal(t, step.EventID, abort.EventID)

	r := waitCall(t, res)
	assert.ErrorIs(t, r.err, ErrAborted)
	assert.ErrorIs(t, r.err, boom)
	var stepErr *StepError
	require.ErrorAs(t, r.err, &stepErr)
	assert.Equal(t, StepName("set_name"), stepErr.Step)

	v, _ := e.Shared("username")
	assert.Equal(t, "", v)
	assert.NoError(t, e.Err())
}

func TestAbort_PeerAbortWakesBody(t *testing.T) {
	conn := newRecordingConn()
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   newNameSteps().steps(),
	})

	res := callAsync(e, "set_name", "alice")
	step := conn.next(t)
	e.HandleMessage(&message.Message{Control: message.Abort, EventID: step.EventID})

	r := waitCall(t, res)
	assert.ErrorIs(t, r.err, ErrAborted)
	conn.none(t)

	v, _ := e.Shared("username")
	assert.Equal(t, "", v)
}

func TestAbort_PeerStepErrorNotifiesInitiator(t *testing.T) {
	conn := newRecordingConn()
	proto := nameProtocol()
	e := mustEndpoint(t, conn, proto, EndpointSpec{
		Name:         "server",
		HighPriority: true,
		Shareds:      map[string]any{"username": ""},
		Steps: map[StepName]StepFunc{
			"store_name": func(Exec) (any, error) { return nil, errors.New("rejected") },
		},
	})

	e.HandleMessage(&message.Message{
		Control:   "store_name",
		EventID:   0,
		EventName: "set_name",
		Context:   stepPayload(map[string]any{"username": "x"}),
	})

	abort := conn.next(t)
	assert.Equal(t, message.Abort, abort.Control)
	assert.Equal(t, int64(0), abort.EventID)
	require.Eventually(t, func() bool {
		active, _ := e.counts()
		return active == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestStepPanic_IsReported(t *testing.T) {
	proto := NewProtocol()
	proto.MustEvent(EventPrototype{Name: "explode", Entry: "explode"})
	e := mustEndpoint(t, newRecordingConn(), proto, EndpointSpec{
		Name: "client",
		Steps: map[StepName]StepFunc{
			"explode": func(Exec) (any, error) { panic("kaboom") },
		},
	})

	_, err := e.Call(testContext(t), "explode")
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestConnectionLost_FailsPendingAndLaterCalls(t *testing.T) {
	conn := newRecordingConn()
	fatal := make(chan error, 1)
	e := mustEndpoint(t, conn, nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   newNameSteps().steps(),
	}, WithFatalHandler(func(err error) { fatal <- err }))

	res := callAsync(e, "set_name", "alice")
	conn.next(t)

	e.HandleDisconnect(transport.ErrPeerClosed)

	r := waitCall(t, res)
	assert.ErrorIs(t, r.err, ErrConnectionLost)
	assert.Equal(t, CategoryTransport, Categorize(r.err))

	_, err := e.Call(testContext(t), "set_name", "bob")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, <-fatal, transport.ErrPeerClosed)
}

func TestClose_IgnoresOwnDisconnect(t *testing.T) {
	e, err := New(newRecordingConn(), NewProtocol(), EndpointSpec{Name: "client"})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	e.HandleDisconnect(transport.ErrClosed)
	assert.NoError(t, e.Err())
	require.NoError(t, e.Close())

	_, err = e.Call(testContext(t), RefreshEvent)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduleRetry_IsIdempotent(t *testing.T) {
	s := newNameSteps()
	e := mustEndpoint(t, newRecordingConn(), nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	first := callAsync(e, "hold_name")
	waitSignal(t, s.started, "hold_name to start")
	second := callAsync(e, "hold_name")
	require.Eventually(t, func() bool {
		_, inactive := e.counts()
		return inactive == 1
	}, waitTimeout, time.Millisecond)

	e.scheduleRetry()
	e.scheduleRetry()
	active, inactive := e.counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, inactive)
	assert.Equal(t, int32(1), s.holdRuns.Load())

	close(s.gate)
	require.NoError(t, waitCall(t, first).err)
	require.NoError(t, waitCall(t, second).err)
	assert.Equal(t, int32(2), s.holdRuns.Load())
}

func TestCall_ContextCanceledWhileQueued(t *testing.T) {
	s := newNameSteps()
	e := mustEndpoint(t, newRecordingConn(), nameProtocol(), EndpointSpec{
		Name:    "client",
		Shareds: map[string]any{"username": ""},
		Steps:   s.steps(),
	})

	first := callAsync(e, "hold_name")
	waitSignal(t, s.started, "hold_name to start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Call(ctx, "hold_name")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, inactive := e.counts()
	assert.Zero(t, inactive, "a canceled call leaves the queue")

	close(s.gate)
	require.NoError(t, waitCall(t, first).err)
	assert.Equal(t, int32(1), s.holdRuns.Load())
}

func TestMutualExclusion_ConcurrentCalls(t *testing.T) {
	proto := NewProtocol()
	proto.MustEvent(EventPrototype{Name: "incr", Entry: "incr", Reads: []string{"count"}, Writes: []string{"count"}})
	proto.MustEvent(EventPrototype{Name: "peek", Entry: "peek", Reads: []string{"count"}})

	var inFlight, maxWriters atomic.Int32
	e := mustEndpoint(t, newRecordingConn(), proto, EndpointSpec{
		Name:    "client",
		Globals: map[string]any{"count": 0},
		Steps: map[StepName]StepFunc{
			"incr": func(x Exec) (any, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					m := maxWriters.Load()
					if n <= m || maxWriters.CompareAndSwap(m, n) {
						break
					}
				}
				v, _ := x.Vars().Global("count")
				time.Sleep(time.Millisecond)
				return nil, x.Vars().SetGlobal("count", v.(int)+1)
			},
			"peek": func(x Exec) (any, error) {
				if inFlight.Load() != 0 {
					return nil, errors.New("read overlapped a write")
				}
				v, _ := x.Vars().Global("count")
				return v, nil
			},
		},
	})

	const calls = 25
	ctx := testContext(t)
	var wg sync.WaitGroup
	errs := make(chan error, 2*calls)
	for i := 0; i < calls; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.Call(ctx, "incr")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := e.Call(ctx, "peek")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, _ := e.Global("count")
	assert.Equal(t, calls, v)
	assert.Equal(t, int32(1), maxWriters.Load())
}
