package gamectx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/event"
)

type failingProvider struct{}

func (failingProvider) Current() (string, map[string]string, error) {
	return "", nil, errors.New("platform query failed")
}

func TestTracker_UpdateVersionsChanges(t *testing.T) {
	var changes []event.ContextSnapshot
	tr := NewTracker("sess-1", func(s event.ContextSnapshot) {
		changes = append(changes, s)
	})

	_, ok := tr.Snapshot()
	assert.False(t, ok, "no snapshot before the first update")

	assert.True(t, tr.Update("game.exe", map[string]string{"state": "menu"}))
	assert.True(t, tr.Update("game.exe", map[string]string{"state": "match"}))
	assert.False(t, tr.Update("game.exe", map[string]string{"state": "match"}), "identical update is dropped")
	assert.True(t, tr.Update("browser.exe", map[string]string{"state": "match"}))

	require.Len(t, changes, 3, "one notification per accepted update")
	assert.Equal(t, int64(1), changes[0].Version)
	assert.Equal(t, int64(3), changes[2].Version)
	assert.Equal(t, "sess-1", changes[0].SessionID)
	assert.Equal(t, "browser.exe", changes[2].ActiveApp)

	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Version)
	assert.NotZero(t, snap.UpdatedNs)
}

func TestTracker_SnapshotIsolatedFromCaller(t *testing.T) {
	tr := NewTracker("sess-1", nil)
	state := map[string]string{"map": "dust2"}
	tr.Update("game.exe", state)

	// Mutating the caller's map must not leak into the snapshot.
	state["map"] = "inferno"
	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "dust2", snap.State["map"])
}

func TestTracker_Poll(t *testing.T) {
	tr := NewTracker("sess-1", nil)

	require.NoError(t, tr.Poll(StaticProvider{App: "game.exe", State: map[string]string{"state": "match"}}))
	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "game.exe", snap.ActiveApp)

	// Repolling an unchanged provider does not bump the version.
	require.NoError(t, tr.Poll(StaticProvider{App: "game.exe", State: map[string]string{"state": "match"}}))
	snap, _ = tr.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
}

func TestTracker_PollProviderFailure(t *testing.T) {
	tr := NewTracker("sess-1", nil)
	require.Error(t, tr.Poll(failingProvider{}))

	_, ok := tr.Snapshot()
	assert.False(t, ok, "a failed poll records nothing")
}
