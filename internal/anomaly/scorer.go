// Package anomaly windows the event stream and scores each window for
// anomalous input patterns through a pluggable scorer. The package enforces
// the calling contract only: deadlines, per-lane serialization, and bounded
// queueing. It implements no scoring model itself.
package anomaly

import (
	"context"

	"ghostd/internal/event"
)

// Score is a scorer's judgment of one window.
type Score struct {
	// Confidence in [0, 1].
	Confidence float64

	// Kind is a free-form tag naming the suspected pattern ("snap",
	// "velocity_spike", ...).
	Kind string

	// Rationale is an opaque explanation from the scorer, stored verbatim.
	Rationale string
}

// Scorer judges a window of metric records with its context. Implementations
// must honor ctx: a call exceeding the pipeline's deadline is abandoned and
// the window skipped. Heuristic, statistical, and model-backed scorers are
// interchangeable behind this contract.
type Scorer interface {
	Name() string
	Score(ctx context.Context, window []event.MetricRecord, snap *event.ContextSnapshot) (Score, error)
}

// Window is one time-bucketed slice of a lane's metric records.
type Window struct {
	Lane    event.Device
	Ref     event.WindowRef
	Records []event.MetricRecord
}
