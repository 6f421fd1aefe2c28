package pairsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
)

func usersProtocol() *Protocol {
	p := NewProtocol()
	p.MustEvent(EventPrototype{
		Name:      "add_user",
		Entry:     "add_user",
		Reads:     []string{"users"},
		Writes:    []string{"users"},
		Externals: []string{"users"},
	})
	p.MustEvent(EventPrototype{
		Name:       "replace_users",
		Entry:      "replace_users",
		CondWrites: []string{"users"},
		Externals:  []string{"users"},
	})
	return p
}

type usersHarness struct {
	e       *Endpoint
	store   *external.Store
	res     *external.ReservationManager
	users   *external.List
	started chan struct{}
	gate    chan struct{}
}

func newUsersHarness(t *testing.T, fail error) *usersHarness {
	h := &usersHarness{
		store:   external.NewStore(),
		res:     external.NewReservationManager(),
		users:   external.NewList("carol"),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	h.e = mustEndpoint(t, newRecordingConn(), usersProtocol(), EndpointSpec{
		Name:      "lobby",
		Externals: map[string]external.Object{"users": h.users},
		Steps: map[StepName]StepFunc{
			"add_user": func(x Exec) (any, error) {
				h.started <- struct{}{}
				<-h.gate
				obj, err := x.Vars().ExternalForWrite("users")
				if err != nil {
					return nil, err
				}
				obj.(*external.List).Append(x.Args()[0])
				return nil, fail
			},
			"replace_users": func(x Exec) (any, error) {
				return nil, x.Vars().SetExternal("users", x.Args()[0].(external.Object))
			},
		},
	}, WithExternalStore(h.store), WithReservationManager(h.res))
	return h
}

func (h *usersHarness) refs(t *testing.T, obj external.Object) int {
	t.Helper()
	n, ok := h.store.RefCount("lobby", obj.ID())
	if !ok {
		return 0
	}
	return n
}

func TestExternals_EventHoldsReferenceUntilCommit(t *testing.T) {
	h := newUsersHarness(t, nil)
	assert.Equal(t, 1, h.refs(t, h.users))

	res := callAsync(h.e, "add_user", "alice")
	waitSignal(t, h.started, "add_user to start")

	assert.Equal(t, 2, h.refs(t, h.users), "admission takes a hold")
	_, writer := h.res.Held(h.users.ID())
	assert.True(t, writer, "the list is reserved for writing")

	close(h.gate)
	require.NoError(t, waitCall(t, res).err)

	assert.Equal(t, 1, h.refs(t, h.users))
	_, writer = h.res.Held(h.users.ID())
	assert.False(t, writer)
	assert.Equal(t, []any{"carol", "alice"}, h.users.Items())
}

func TestExternals_AbortRollsBackListChanges(t *testing.T) {
	boom := errors.New("boom")
	h := newUsersHarness(t, boom)
	close(h.gate)

	_, err := h.e.Call(testContext(t), "add_user", "mallory")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrAborted)

	assert.Equal(t, []any{"carol"}, h.users.Items())
	assert.Equal(t, 1, h.refs(t, h.users))
	_, writer := h.res.Held(h.users.ID())
	assert.False(t, writer)
}

func TestExternals_ConflictingEventsQueueOnReservation(t *testing.T) {
	h := newUsersHarness(t, nil)

	first := callAsync(h.e, "add_user", "alice")
	waitSignal(t, h.started, "first add_user")
	second := callAsync(h.e, "add_user", "bob")
	require.Eventually(t, func() bool {
		_, inactive := h.e.counts()
		return inactive == 1
	}, waitTimeout, time.Millisecond)

	close(h.gate)
	require.NoError(t, waitCall(t, first).err)
	waitSignal(t, h.started, "second add_user")
	require.NoError(t, waitCall(t, second).err)
	assert.Equal(t, []any{"carol", "alice", "bob"}, h.users.Items())
}

func TestExternals_ReplaceReleasesOldObject(t *testing.T) {
	h := newUsersHarness(t, nil)
	fresh := external.NewList("dave")

	_, err := h.e.Call(testContext(t), "replace_users", fresh)
	require.NoError(t, err)

	assert.Equal(t, 0, h.refs(t, h.users), "the old list was collected")
	assert.Equal(t, 1, h.refs(t, fresh), "only the variable references the new list")

	obj, err := h.e.External("users")
	require.NoError(t, err)
	assert.Same(t, fresh, obj)
	assert.Equal(t, 1, h.store.Len())
}

func TestExternals_StaleContextCannotWrite(t *testing.T) {
	h := newUsersHarness(t, nil)
	proto, _ := h.e.protocol.Prototype("add_user")
	ev := newActiveEvent(proto, nil, true)

	h.e.mu.Lock()
	vars, ok := h.e.tryAdmitLocked(ev, false, true)
	require.True(t, ok)
	h.e.postponeLocked(h.e.active[ev.id], "test", false)
	h.e.mu.Unlock()

	_, err := vars.ExternalForWrite("users")
	assert.ErrorIs(t, err, ErrPostponed)
	err = vars.SetExternal("users", external.NewList())
	assert.ErrorIs(t, err, ErrPostponed)
	assert.Equal(t, 1, h.refs(t, h.users), "postponement gave the hold back")
	assert.True(t, h.e.withdraw(ev))
}
