package metrics

import (
	"time"
)

// GhostdMetrics holds all ghostd-specific metrics.
type GhostdMetrics struct {
	registry *Registry

	// Counters
	SamplesTotal         *Counter
	SamplesRejectedTotal *Counter
	StreamGapsTotal      *Counter
	WindowsScoredTotal   *Counter
	ScorerTimeoutsTotal  *Counter
	QueueOverflowsTotal  *Counter
	FlagsTotal           *Counter
	BlocksTotal          *Counter
	WriteFailuresTotal   *Counter
	ReceiptsTotal        *Counter
	ClipsTotal           *Counter
	ErrorsTotal          *Counter

	// Gauges
	ActiveSessions *Gauge
	ChainLength    *Gauge
	StreamLength   *Gauge
	UptimeSeconds  *Gauge

	// Histograms
	ScorerDuration  *Histogram
	AppendDuration  *Histogram
	SampleInterval  *Histogram
	ReceiptDuration *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewGhostdMetrics creates and registers all ghostd metrics.
func NewGhostdMetrics(registry *Registry) *GhostdMetrics {
	if registry == nil {
		registry = Default()
	}

	return &GhostdMetrics{
		registry: registry,

		SamplesTotal: registry.RegisterCounter(
			"samples_total",
			"Total number of input samples ingested",
			nil,
		),
		SamplesRejectedTotal: registry.RegisterCounter(
			"samples_rejected_total",
			"Total number of out-of-order samples rejected",
			nil,
		),
		StreamGapsTotal: registry.RegisterCounter(
			"stream_gaps_total",
			"Total number of subscriber gaps",
			nil,
		),
		WindowsScoredTotal: registry.RegisterCounter(
			"windows_scored_total",
			"Total number of windows handed to the scorer",
			nil,
		),
		ScorerTimeoutsTotal: registry.RegisterCounter(
			"scorer_timeouts_total",
			"Total number of scorer calls that exceeded the deadline",
			nil,
		),
		QueueOverflowsTotal: registry.RegisterCounter(
			"queue_overflows_total",
			"Total number of windows dropped from full lane queues",
			nil,
		),
		FlagsTotal: registry.RegisterCounter(
			"flags_total",
			"Total number of anomaly flags emitted",
			nil,
		),
		BlocksTotal: registry.RegisterCounter(
			"blocks_total",
			"Total number of blocks appended to the ledger",
			nil,
		),
		WriteFailuresTotal: registry.RegisterCounter(
			"write_failures_total",
			"Total number of failed ledger writes",
			nil,
		),
		ReceiptsTotal: registry.RegisterCounter(
			"receipts_total",
			"Total number of receipts issued",
			nil,
		),
		ClipsTotal: registry.RegisterCounter(
			"clips_total",
			"Total number of clip manifests recorded",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Number of currently active sessions",
			nil,
		),
		ChainLength: registry.RegisterGauge(
			"chain_length",
			"Number of blocks in the ledger",
			nil,
		),
		StreamLength: registry.RegisterGauge(
			"stream_length",
			"Number of records in the session event stream",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		ScorerDuration: registry.RegisterHistogram(
			"scorer_duration_seconds",
			"Duration of scorer calls in seconds",
			nil,
			DurationBuckets,
		),
		AppendDuration: registry.RegisterHistogram(
			"append_duration_seconds",
			"Duration of durable ledger appends in seconds",
			nil,
			DurationBuckets,
		),
		SampleInterval: registry.RegisterHistogram(
			"sample_interval_seconds",
			"Time between input samples in seconds",
			nil,
			[]float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		),
		ReceiptDuration: registry.RegisterHistogram(
			"receipt_duration_seconds",
			"Duration of receipt issuance in seconds",
			nil,
			DurationBuckets,
		),
	}
}

// RecordSample records an ingested input sample.
func (m *GhostdMetrics) RecordSample() {
	m.SamplesTotal.Inc()
}

// RecordSampleInterval records the interval between samples.
func (m *GhostdMetrics) RecordSampleInterval(d time.Duration) {
	m.SampleInterval.ObserveDuration(d)
}

// RecordRejectedSample records an out-of-order sample.
func (m *GhostdMetrics) RecordRejectedSample() {
	m.SamplesRejectedTotal.Inc()
}

// RecordFlag records an emitted flag.
func (m *GhostdMetrics) RecordFlag() {
	m.FlagsTotal.Inc()
}

// RecordBlock records a durable ledger append.
func (m *GhostdMetrics) RecordBlock(duration time.Duration) {
	m.BlocksTotal.Inc()
	m.AppendDuration.ObserveDuration(duration)
}

// StartAppendTimer returns a timer for ledger appends.
func (m *GhostdMetrics) StartAppendTimer() *HistogramTimer {
	return m.AppendDuration.Timer()
}

// RecordWriteFailure records a failed ledger write.
func (m *GhostdMetrics) RecordWriteFailure() {
	m.WriteFailuresTotal.Inc()
	m.ErrorsTotal.Inc()
}

// RecordReceipt records a receipt issuance.
func (m *GhostdMetrics) RecordReceipt(duration time.Duration) {
	m.ReceiptsTotal.Inc()
	m.ReceiptDuration.ObserveDuration(duration)
}

// RecordClip records a completed clip manifest.
func (m *GhostdMetrics) RecordClip() {
	m.ClipsTotal.Inc()
}

// RecordError records an error.
func (m *GhostdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SessionStarted records a session start.
func (m *GhostdMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded records a session end.
func (m *GhostdMetrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// UpdateUptime updates the uptime metric.
func (m *GhostdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *GhostdMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"samples_total":          m.SamplesTotal.Value(),
		"samples_rejected_total": m.SamplesRejectedTotal.Value(),
		"stream_gaps_total":      m.StreamGapsTotal.Value(),
		"windows_scored_total":   m.WindowsScoredTotal.Value(),
		"scorer_timeouts_total":  m.ScorerTimeoutsTotal.Value(),
		"flags_total":            m.FlagsTotal.Value(),
		"blocks_total":           m.BlocksTotal.Value(),
		"write_failures_total":   m.WriteFailuresTotal.Value(),
		"receipts_total":         m.ReceiptsTotal.Value(),
		"clips_total":            m.ClipsTotal.Value(),
		"active_sessions":        m.ActiveSessions.Value(),
		"chain_length":           m.ChainLength.Value(),
		"uptime_seconds":         m.UptimeSeconds.Value(),
		"scorer_avg_seconds":     m.ScorerDuration.Mean(),
		"append_avg_seconds":     m.AppendDuration.Mean(),
	}
}

// Global ghostd metrics instance.
var defaultGhostdMetrics *GhostdMetrics

// GetMetrics returns the global ghostd metrics instance.
func GetMetrics() *GhostdMetrics {
	if defaultGhostdMetrics == nil {
		defaultGhostdMetrics = NewGhostdMetrics(Default())
	}
	return defaultGhostdMetrics
}
