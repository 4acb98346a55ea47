// Package gamectx tracks the active application context a session runs
// under. Context changes are versioned so downstream consumers can tell
// which snapshot was current when an event was produced.
package gamectx

import (
	"maps"
	"sync"
	"time"

	"ghostd/internal/event"
)

// Provider reports the current foreground application. Implementations
// wrap whatever the platform offers; the tracker only needs a name and a
// coarse state map (for example {"state": "match", "map": "dust2"}).
type Provider interface {
	Current() (app string, state map[string]string, err error)
}

// StaticProvider always reports the same context. Useful for replay runs
// and tests.
type StaticProvider struct {
	App   string
	State map[string]string
}

// Current implements Provider.
func (p StaticProvider) Current() (string, map[string]string, error) {
	return p.App, p.State, nil
}

// Tracker holds the latest context snapshot for a session and notifies on
// change. Updates that do not change app or state are dropped.
type Tracker struct {
	mu       sync.Mutex
	snap     event.ContextSnapshot
	onChange func(event.ContextSnapshot)
}

// NewTracker creates a tracker for the given session. onChange, when
// non-nil, fires once per accepted update, including the first.
func NewTracker(sessionID string, onChange func(event.ContextSnapshot)) *Tracker {
	return &Tracker{
		snap:     event.ContextSnapshot{SessionID: sessionID},
		onChange: onChange,
	}
}

// Update records a context change. Returns true if the snapshot changed.
func (t *Tracker) Update(app string, state map[string]string) bool {
	t.mu.Lock()
	if t.snap.Version > 0 && t.snap.ActiveApp == app && maps.Equal(t.snap.State, state) {
		t.mu.Unlock()
		return false
	}
	t.snap.ActiveApp = app
	t.snap.State = maps.Clone(state)
	t.snap.UpdatedNs = time.Now().UnixNano()
	t.snap.Version++
	snap := t.snap
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(snap)
	}
	return true
}

// Poll queries the provider once and applies the result.
func (t *Tracker) Poll(p Provider) error {
	app, state, err := p.Current()
	if err != nil {
		return err
	}
	t.Update(app, state)
	return nil
}

// Snapshot returns the latest snapshot, or false if none was recorded.
func (t *Tracker) Snapshot() (event.ContextSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap, t.snap.Version > 0
}
