package scorer

import (
	"context"
	"fmt"
	"math"

	"ghostd/internal/anomaly"
	"ghostd/internal/event"
)

// Defaults for the statistical scorer.
const (
	DefaultZThreshold = 4.0
	DefaultMinSamples = 20
)

// Statistical scores windows by looking for velocity outliers relative to
// the window's own distribution. A sample whose z-score exceeds the
// threshold suggests a discontinuity a human hand does not produce.
type Statistical struct {
	zThreshold float64
	minSamples int
}

// StatisticalOption configures a Statistical scorer.
type StatisticalOption func(*Statistical)

// WithZThreshold sets the z-score above which a sample is an outlier.
func WithZThreshold(z float64) StatisticalOption {
	return func(s *Statistical) {
		if z > 0 {
			s.zThreshold = z
		}
	}
}

// WithMinSamples sets the minimum window size to score. Smaller windows
// return a zero score; the distribution is too thin to trust.
func WithMinSamples(n int) StatisticalOption {
	return func(s *Statistical) {
		if n > 1 {
			s.minSamples = n
		}
	}
}

// NewStatistical creates a statistical scorer.
func NewStatistical(opts ...StatisticalOption) *Statistical {
	s := &Statistical{
		zThreshold: DefaultZThreshold,
		minSamples: DefaultMinSamples,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements anomaly.Scorer.
func (s *Statistical) Name() string { return "statistical" }

// Score implements anomaly.Scorer.
func (s *Statistical) Score(ctx context.Context, window []event.MetricRecord, _ *event.ContextSnapshot) (anomaly.Score, error) {
	if len(window) < s.minSamples {
		return anomaly.Score{}, nil
	}
	if err := ctx.Err(); err != nil {
		return anomaly.Score{}, err
	}

	var sum, sumSq float64
	for _, rec := range window {
		sum += rec.Velocity
		sumSq += rec.Velocity * rec.Velocity
	}
	n := float64(len(window))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance <= 0 {
		return anomaly.Score{}, nil
	}
	stddev := math.Sqrt(variance)

	var peakZ float64
	for _, rec := range window {
		if z := (rec.Velocity - mean) / stddev; z > peakZ {
			peakZ = z
		}
	}
	if peakZ < s.zThreshold {
		return anomaly.Score{}, nil
	}

	return anomaly.Score{
		Confidence: math.Min(1, peakZ/(2*s.zThreshold)),
		Kind:       "velocity_outlier",
		Rationale:  fmt.Sprintf("peak z-score %.1f over window mean %.0f px/s", peakZ, mean),
	}, nil
}
