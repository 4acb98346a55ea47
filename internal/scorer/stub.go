package scorer

import (
	"context"
	"time"

	"ghostd/internal/anomaly"
	"ghostd/internal/event"
)

// Stub is a fixed-response scorer for wiring and tests. Fn, when set,
// overrides the fixed result; Delay, when set, sleeps before answering
// (honoring the context deadline).
type Stub struct {
	Result anomaly.Score
	Err    error
	Delay  time.Duration
	Fn     func(window []event.MetricRecord, snap *event.ContextSnapshot) (anomaly.Score, error)
}

// Name implements anomaly.Scorer.
func (s *Stub) Name() string { return "stub" }

// Score implements anomaly.Scorer.
func (s *Stub) Score(ctx context.Context, window []event.MetricRecord, snap *event.ContextSnapshot) (anomaly.Score, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return anomaly.Score{}, ctx.Err()
		}
	}
	if s.Fn != nil {
		return s.Fn(window, snap)
	}
	return s.Result, s.Err
}
