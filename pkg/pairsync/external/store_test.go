package external_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
)

func TestStore_IncrementAddIfAbsent(t *testing.T) {
	s := external.NewStore()
	l := external.NewList()

	s.IncrementAddIfAbsent("lobby", l)
	n, ok := s.RefCount("lobby", l.ID())
	require.True(t, ok)
	assert.Equal(t, 1, n)

	s.IncrementAddIfAbsent("lobby", l)
	n, _ = s.RefCount("lobby", l.ID())
	assert.Equal(t, 2, n)

	// Scoped per endpoint.
	_, ok = s.RefCount("client", l.ID())
	assert.False(t, ok)
}

func TestStore_ChangeRefCount(t *testing.T) {
	s := external.NewStore()
	l := external.NewList()
	s.IncrementAddIfAbsent("lobby", l)

	t.Run("unknown object", func(t *testing.T) {
		err := s.ChangeRefCount("lobby", external.NextID(), 1)
		assert.ErrorIs(t, err, external.ErrUnknownObject)
	})

	t.Run("negative count rejected", func(t *testing.T) {
		err := s.ChangeRefCount("lobby", l.ID(), -2)
		assert.ErrorIs(t, err, external.ErrNegativeRefCount)
		n, _ := s.RefCount("lobby", l.ID())
		assert.Equal(t, 1, n)
	})

	t.Run("to zero", func(t *testing.T) {
		require.NoError(t, s.ChangeRefCount("lobby", l.ID(), -1))
		n, ok := s.RefCount("lobby", l.ID())
		assert.True(t, ok)
		assert.Equal(t, 0, n)
	})
}

func TestStore_GCRemovesOnlyUnreferenced(t *testing.T) {
	s := external.NewStore()
	kept := external.NewList()
	dropped := external.NewMap(nil)
	s.IncrementAddIfAbsent("lobby", kept)
	s.IncrementAddIfAbsent("lobby", dropped)
	require.NoError(t, s.ChangeRefCount("lobby", dropped.ID(), -1))

	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 1, s.Len())

	obj, err := s.Get("lobby", kept.ID())
	require.NoError(t, err)
	assert.Same(t, kept, obj)

	_, err = s.Get("lobby", dropped.ID())
	assert.ErrorIs(t, err, external.ErrUnknownObject)
}

func TestStore_Hold(t *testing.T) {
	s := external.NewStore()
	a := external.NewList()
	b := external.NewList()
	s.IncrementAddIfAbsent("ep", a)
	s.IncrementAddIfAbsent("ep", b)

	t.Run("all or nothing", func(t *testing.T) {
		_, err := s.Hold("ep", a.ID(), external.NextID())
		require.ErrorIs(t, err, external.ErrUnknownObject)
		n, _ := s.RefCount("ep", a.ID())
		assert.Equal(t, 1, n)
	})

	t.Run("release once", func(t *testing.T) {
		h, err := s.Hold("ep", a.ID(), b.ID())
		require.NoError(t, err)
		assert.ElementsMatch(t, []external.ID{a.ID(), b.ID()}, h.IDs())

		n, _ := s.RefCount("ep", b.ID())
		assert.Equal(t, 2, n)

		require.NoError(t, h.Release())
		assert.ErrorIs(t, h.Release(), external.ErrHoldReleased)

		n, _ = s.RefCount("ep", b.ID())
		assert.Equal(t, 1, n)
	})
}
