package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, maxAge, sweepInterval time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(maxAge, sweepInterval)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistryAddAndGet(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)

	s := r.Add(TypeInteractive, "res-1", "p-1", nil)
	require.NotEmpty(t, s.ID)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "res-1", got.ResourceID)
	assert.Equal(t, "p-1", got.PrincipalID)
	assert.False(t, got.Closed())
}

func TestRegistryAbortRunsCloserOnce(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)

	var closes atomic.Int32
	s := r.Add(TypeExecution, "res-1", "p-1", func() { closes.Add(1) })

	assert.True(t, r.Abort(s.ID))
	assert.False(t, r.Abort(s.ID), "second abort must be a no-op")
	assert.EqualValues(t, 1, closes.Load())
	assert.True(t, s.Closed())
}

func TestRegistryAbortUnknownID(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)
	assert.False(t, r.Abort("no-such-session"))
}

func TestRegistryAbortAfterRemove(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)

	s := r.Add(TypeInteractive, "res-1", "p-1", nil)
	r.Remove(s.ID)
	assert.False(t, r.Abort(s.ID))
}

func TestRegistryRemoveAfterGrace(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)

	s := r.Add(TypeExecution, "res-1", "p-1", nil)
	s.Close()
	r.RemoveAfter(s.ID, 50*time.Millisecond)

	// Inside the grace window the terminal state is still observable.
	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.True(t, got.Closed())

	assert.Eventually(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistrySweepForceClosesOldSessions(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond, 10*time.Millisecond)

	var closes atomic.Int32
	s := r.Add(TypeInteractive, "res-1", "p-1", func() { closes.Add(1) })

	assert.Eventually(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok && closes.Load() == 1
	}, time.Second, 10*time.Millisecond, "sweep must force-close and remove aged sessions")
}

func TestRegistryStopClosesEverything(t *testing.T) {
	r := NewRegistry(time.Hour, time.Hour)

	var closes atomic.Int32
	r.Add(TypeInteractive, "res-1", "p-1", func() { closes.Add(1) })
	r.Add(TypeExecution, "res-2", "p-2", func() { closes.Add(1) })

	r.Stop()
	assert.EqualValues(t, 2, closes.Load())
	assert.Empty(t, r.List())
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry(t, time.Hour, time.Hour)

	r.Add(TypeInteractive, "res-1", "p-1", nil)
	s := r.Add(TypeExecution, "res-2", "p-2", nil)
	s.Close()

	infos := r.List()
	require.Len(t, infos, 2)

	byID := make(map[string]Info)
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, "execution", byID[s.ID].Type)
	assert.True(t, byID[s.ID].Closed)
}
