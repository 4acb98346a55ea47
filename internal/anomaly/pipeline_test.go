package anomaly_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/anomaly"
	"ghostd/internal/event"
	"ghostd/internal/scorer"
	"ghostd/internal/stream"
)

// flagSink collects emitted flags from concurrent lane workers.
type flagSink struct {
	mu    sync.Mutex
	flags []event.Flag
}

func (s *flagSink) emit(f event.Flag) {
	s.mu.Lock()
	s.flags = append(s.flags, f)
	s.mu.Unlock()
}

func (s *flagSink) all() []event.Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Flag(nil), s.flags...)
}

func pointerMetric(tsNs int64, velocity float64) event.Record {
	return event.MetricEvent(event.MetricRecord{
		Sample:   event.NewPointerSample(tsNs, 1, 0, 0),
		Velocity: velocity,
	})
}

func keyMetric(tsNs int64) event.Record {
	return event.MetricEvent(event.MetricRecord{
		Sample: event.NewKeySample(tsNs, 30, event.EdgePress),
	})
}

// runPipeline feeds records through a log into the pipeline and waits for a
// clean drain.
func runPipeline(t *testing.T, p *anomaly.Pipeline, ringSize int, feed func(*stream.Log)) {
	t.Helper()

	log := stream.New()
	sub := log.Subscribe(ringSize)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), sub) }()

	feed(log)
	log.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}
}

// ============================================================
// Scoring and thresholds
// ============================================================

func TestPipeline_EmitsFlagsAboveThreshold(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{Result: anomaly.Score{Confidence: 0.9, Kind: "snap", Rationale: "fixed"}}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 3_000_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	flags := sink.all()
	// Three full buckets plus the flushed partial.
	require.Len(t, flags, 4)
	assert.Equal(t, "snap", flags[0].Kind)
	assert.InDelta(t, 0.9, flags[0].Confidence, 1e-9)
	assert.Equal(t, "fixed", flags[0].Rationale)
	assert.NotZero(t, flags[0].ProducedNs)
	assert.Equal(t, int64(0), flags[0].Window.StartNs)
	assert.Equal(t, uint64(0), flags[0].Window.StartOffset)
	assert.Equal(t, uint64(9), flags[0].Window.EndOffset)

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.WindowsScored)
	assert.Equal(t, uint64(4), stats.FlagsEmitted)
	assert.Zero(t, stats.ScorerTimeouts)
}

func TestPipeline_SubThresholdSuppressed(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{Result: anomaly.Score{Confidence: 0.5, Kind: "snap"}}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7, RecordCalibration: true}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 2_000_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	assert.Empty(t, sink.all(), "sub-threshold scores never become flags")
	stats := p.Stats()
	assert.NotZero(t, stats.WindowsScored)
	assert.NotZero(t, stats.SubThreshold)
	assert.Zero(t, stats.FlagsEmitted)
}

func TestPipeline_SetThreshold(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{Result: anomaly.Score{Confidence: 0.6, Kind: "snap"}}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.9}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	// Lowered at runtime before any window is scored.
	p.SetThreshold(0.5)
	// Out-of-range updates are ignored.
	p.SetThreshold(0)
	p.SetThreshold(1.5)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 1_500_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	assert.NotEmpty(t, sink.all(), "flags pass the lowered threshold")
}

// ============================================================
// Scorer failure containment
// ============================================================

func TestPipeline_ScorerTimeoutSkipsWindow(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{
		Result: anomaly.Score{Confidence: 0.9, Kind: "snap"},
		Delay:  500 * time.Millisecond,
	}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7, Deadline: 20 * time.Millisecond}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 1_200_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	assert.Empty(t, sink.all(), "timed-out windows are skipped, not flagged")
	stats := p.Stats()
	assert.NotZero(t, stats.ScorerTimeouts)
	assert.Zero(t, stats.FlagsEmitted)
}

// stallScorer sleeps without ever checking its context.
type stallScorer struct{ d time.Duration }

func (s *stallScorer) Name() string { return "stall" }

func (s *stallScorer) Score(context.Context, []event.MetricRecord, *event.ContextSnapshot) (anomaly.Score, error) {
	time.Sleep(s.d)
	return anomaly.Score{Confidence: 0.9, Kind: "snap"}, nil
}

func TestPipeline_IgnoredContextStillTimesOut(t *testing.T) {
	sink := &flagSink{}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7, Deadline: 20 * time.Millisecond}
	p := anomaly.New(cfg, &stallScorer{d: 2 * time.Second}, sink.emit, nil)

	// A scorer that ignores its deadline is abandoned, not waited on; the
	// lane worker and shutdown drain must finish well inside the stall.
	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 1_200_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	assert.Empty(t, sink.all())
	stats := p.Stats()
	assert.NotZero(t, stats.ScorerTimeouts)
	assert.Zero(t, stats.FlagsEmitted)
}

func TestPipeline_ScorerErrorSkipsWindow(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{Err: errors.New("model unavailable")}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 1_200_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	assert.Empty(t, sink.all())
	assert.NotZero(t, p.Stats().ScorerErrors)
}

// ============================================================
// Lanes, queues, gaps
// ============================================================

func TestPipeline_PerLaneWindows(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{
		Fn: func(window []event.MetricRecord, _ *event.ContextSnapshot) (anomaly.Score, error) {
			return anomaly.Score{Confidence: 0.9, Kind: window[0].Sample.Device.String()}, nil
		},
	}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		for ts := int64(0); ts <= 2_000_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
			log.Append(keyMetric(ts))
		}
	})

	kinds := map[string]bool{}
	for _, f := range sink.all() {
		kinds[f.Kind] = true
	}
	assert.True(t, kinds["pointer"], "pointer lane scored independently")
	assert.True(t, kinds["key"], "key lane scored independently")
}

func TestPipeline_QueueOverflowDropsOldest(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{
		Result: anomaly.Score{Confidence: 0.9, Kind: "snap"},
		Delay:  30 * time.Millisecond,
	}
	cfg := anomaly.Config{
		Bucket:     100 * time.Millisecond,
		Hop:        100 * time.Millisecond,
		Threshold:  0.7,
		QueueDepth: 1,
	}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		// ~20 windows arrive far faster than the scorer drains them.
		for ts := int64(0); ts <= 2_000_000_000; ts += 10_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	stats := p.Stats()
	assert.NotZero(t, stats.QueueOverflows)
	assert.Less(t, stats.WindowsScored, uint64(21), "dropped windows are never scored")

	// The newest windows survive the drops.
	flags := sink.all()
	require.NotEmpty(t, flags)
	last := flags[len(flags)-1]
	assert.GreaterOrEqual(t, last.Window.StartNs, int64(1_900_000_000))
}

func TestPipeline_GapResetsWindows(t *testing.T) {
	sink := &flagSink{}
	stub := &scorer.Stub{Result: anomaly.Score{Confidence: 0.9, Kind: "snap"}}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second, Threshold: 0.7}
	p := anomaly.New(cfg, stub, sink.emit, nil)

	log := stream.New()
	sub := log.Subscribe(4)

	// Overflow the subscription before the pipeline starts consuming.
	for ts := int64(0); ts < 50; ts++ {
		log.Append(pointerMetric(ts*100_000_000, 100))
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), sub) }()
	log.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.StreamGaps)
}

// ============================================================
// Context forwarding
// ============================================================

func TestPipeline_ForwardsContextSnapshot(t *testing.T) {
	var (
		mu   sync.Mutex
		seen *event.ContextSnapshot
	)
	stub := &scorer.Stub{
		Fn: func(_ []event.MetricRecord, snap *event.ContextSnapshot) (anomaly.Score, error) {
			mu.Lock()
			seen = snap
			mu.Unlock()
			return anomaly.Score{}, nil
		},
	}
	cfg := anomaly.Config{Bucket: time.Second, Hop: time.Second}
	p := anomaly.New(cfg, stub, func(event.Flag) {}, nil)

	runPipeline(t, p, 0, func(log *stream.Log) {
		log.Append(event.ContextEvent(event.ContextSnapshot{
			SessionID: "sess-1",
			ActiveApp: "game.exe",
			UpdatedNs: 1,
			Version:   1,
		}))
		for ts := int64(100); ts <= 1_500_000_000; ts += 100_000_000 {
			log.Append(pointerMetric(ts, 100))
		}
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen, "scorer receives the latest context snapshot")
	assert.Equal(t, "game.exe", seen.ActiveApp)
	assert.Equal(t, int64(1), seen.Version)
}
