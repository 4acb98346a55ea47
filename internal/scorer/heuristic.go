// Package scorer provides anomaly scorers for metric windows.
package scorer

import (
	"context"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"ghostd/internal/anomaly"
	"ghostd/internal/event"
)

// Default heuristic thresholds, in px/s and px/s².
const (
	DefaultVelocitySpike     = 50000.0
	DefaultAccelerationSpike = 100000.0
)

// Rules holds the thresholds the heuristic scorer applies.
type Rules struct {
	// VelocitySpike flags any sample whose velocity exceeds this, px/s.
	VelocitySpike float64 `yaml:"velocity_spike"`

	// AccelerationSpike flags any sample whose acceleration magnitude
	// exceeds this, px/s².
	AccelerationSpike float64 `yaml:"acceleration_spike"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() Rules {
	return Rules{
		VelocitySpike:     DefaultVelocitySpike,
		AccelerationSpike: DefaultAccelerationSpike,
	}
}

// LoadRules reads heuristic thresholds from a YAML file. Zero or missing
// fields fall back to the defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}
	if rules.VelocitySpike <= 0 {
		rules.VelocitySpike = DefaultVelocitySpike
	}
	if rules.AccelerationSpike <= 0 {
		rules.AccelerationSpike = DefaultAccelerationSpike
	}
	return rules, nil
}

// Heuristic scores windows against fixed kinematic thresholds. A velocity
// above the spike threshold or an acceleration above its threshold marks
// the window, with confidence growing as the excess grows.
type Heuristic struct {
	rules Rules
}

// NewHeuristic creates a heuristic scorer with the given rules.
func NewHeuristic(rules Rules) *Heuristic {
	if rules.VelocitySpike <= 0 {
		rules.VelocitySpike = DefaultVelocitySpike
	}
	if rules.AccelerationSpike <= 0 {
		rules.AccelerationSpike = DefaultAccelerationSpike
	}
	return &Heuristic{rules: rules}
}

// Name implements anomaly.Scorer.
func (h *Heuristic) Name() string { return "heuristic" }

// Score implements anomaly.Scorer. The snapshot is unused; the thresholds
// are context-independent.
func (h *Heuristic) Score(ctx context.Context, window []event.MetricRecord, _ *event.ContextSnapshot) (anomaly.Score, error) {
	var (
		peakVelocity     float64
		peakAcceleration float64
	)
	for i, rec := range window {
		// Thresholds are cheap to apply, but windows can be large at
		// high sample rates; stay responsive to the deadline.
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return anomaly.Score{}, err
			}
		}
		if rec.Velocity > peakVelocity {
			peakVelocity = rec.Velocity
		}
		if a := math.Abs(rec.Acceleration); a > peakAcceleration {
			peakAcceleration = a
		}
	}

	// Velocity spikes take precedence; they are the stronger signal.
	if peakVelocity > h.rules.VelocitySpike {
		return anomaly.Score{
			Confidence: math.Min(1, peakVelocity/(2*h.rules.VelocitySpike)),
			Kind:       "velocity_spike",
			Rationale:  fmt.Sprintf("peak velocity %.0f px/s exceeds %.0f", peakVelocity, h.rules.VelocitySpike),
		}, nil
	}
	if peakAcceleration > h.rules.AccelerationSpike {
		return anomaly.Score{
			Confidence: math.Min(1, peakAcceleration/(2*h.rules.AccelerationSpike)),
			Kind:       "acceleration_spike",
			Rationale:  fmt.Sprintf("peak acceleration %.0f px/s2 exceeds %.0f", peakAcceleration, h.rules.AccelerationSpike),
		}, nil
	}
	return anomaly.Score{}, nil
}
