package pairsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/registry"
)

func TestEventPrototype_Validate(t *testing.T) {
	tests := []struct {
		name    string
		proto   EventPrototype
		wantErr bool
	}{
		{name: "valid", proto: EventPrototype{Name: "e", Entry: "Body", Writes: []string{"x"}}},
		{name: "missing name", proto: EventPrototype{Entry: "Body"}, wantErr: true},
		{name: "missing entry", proto: EventPrototype{Name: "e"}, wantErr: true},
		{
			name:    "external outside footprint",
			proto:   EventPrototype{Name: "e", Entry: "Body", Externals: []string{"users"}},
			wantErr: true,
		},
		{
			name:  "conditional write covers external",
			proto: EventPrototype{Name: "e", Entry: "Body", CondWrites: []string{"users"}, Externals: []string{"users"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.proto.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPrototype)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEventPrototype_FootprintMergesConditionalSets(t *testing.T) {
	p := EventPrototype{
		Reads:      []string{"a"},
		CondReads:  []string{"b"},
		Writes:     []string{"c"},
		CondWrites: []string{"a"},
	}
	reads, writes := p.footprint()
	assert.Len(t, reads, 2)
	assert.Contains(t, reads, "b")
	assert.Len(t, writes, 2)
	assert.Contains(t, writes, "a")
}

func TestProtocol_RegistersRefresh(t *testing.T) {
	p := NewProtocol()
	proto, ok := p.Prototype(RefreshEvent)
	require.True(t, ok)
	assert.Equal(t, refreshStep, proto.Entry)
	assert.Equal(t, []string{RefreshEvent}, p.Events())
}

func TestProtocol_EventCopiesPrototype(t *testing.T) {
	p := NewProtocol()
	writes := []string{"x"}
	require.NoError(t, p.Event(EventPrototype{Name: "e", Entry: "Body", Writes: writes}))
	writes[0] = "y"

	proto, ok := p.Prototype("e")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, proto.Writes)
}

func TestProtocol_RejectsBadRegistrations(t *testing.T) {
	p := NewProtocol()

	err := p.Event(EventPrototype{Name: "e", Entry: StepName(message.SentinelPrefix + "body")})
	assert.ErrorIs(t, err, ErrInvalidPrototype)
	assert.ErrorIs(t, err, message.ErrReservedName)

	require.NoError(t, p.Event(EventPrototype{Name: "e", Entry: "Body"}))
	assert.ErrorIs(t, p.Event(EventPrototype{Name: "e", Entry: "Body"}), registry.ErrDuplicate)
	assert.Panics(t, func() { p.MustEvent(EventPrototype{Name: "e", Entry: "Body"}) })
}

func TestProtocol_FrozenAfterFreeze(t *testing.T) {
	p := NewProtocol()
	noop := func(context.Context, *Context) {}
	require.NoError(t, p.OnComplete("client", "Seq", noop))
	p.Freeze()

	assert.ErrorIs(t, p.Event(EventPrototype{Name: "late", Entry: "Body"}), registry.ErrFrozen)
	assert.ErrorIs(t, p.OnComplete("client", "Other", noop), registry.ErrFrozen)

	_, ok := p.completion("client", "Seq")
	assert.True(t, ok)
	_, ok = p.completion("server", "Seq")
	assert.False(t, ok)
}

func TestBuildSteps(t *testing.T) {
	body := func(Exec) (any, error) { return nil, nil }

	steps, err := buildSteps(map[StepName]StepFunc{"Body": body})
	require.NoError(t, err)
	assert.True(t, steps.Has("Body"))
	assert.True(t, steps.Has(refreshStep))
	assert.True(t, steps.Has(refreshReceiveStep))
	assert.True(t, steps.Frozen())

	_, err = buildSteps(map[StepName]StepFunc{refreshReceiveStep: body})
	assert.ErrorIs(t, err, ErrReservedStep)

	_, err = buildSteps(map[StepName]StepFunc{"Body": nil})
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = buildSteps(map[StepName]StepFunc{StepName(message.SentinelPrefix + "x"): body})
	assert.ErrorIs(t, err, message.ErrReservedName)
}
