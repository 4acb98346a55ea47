package metrics

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Primitives
// ============================================================

func TestCounter(t *testing.T) {
	c := NewCounter("blocks_total", "blocks", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter("samples_total", "samples", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), c.Value())
}

func TestGauge(t *testing.T) {
	g := NewGauge("active_sessions", "sessions", nil)
	g.Set(3)
	g.Inc()
	g.Dec()
	g.Add(-2)
	assert.Equal(t, int64(1), g.Value())
}

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram("scorer_duration_seconds", "scorer", nil, []float64{0.01, 0.1, 1})
	h.Observe(0.005)
	h.Observe(0.05)
	h.Observe(2.0)

	assert.Equal(t, uint64(3), h.Count())
	assert.InDelta(t, 2.055, h.Sum(), 1e-9)
	assert.InDelta(t, 0.685, h.Mean(), 1e-9)
}

func TestHistogram_EmptyMean(t *testing.T) {
	h := NewHistogram("append_duration_seconds", "append", nil, nil)
	assert.Zero(t, h.Mean())
}

func TestHistogramTimer(t *testing.T) {
	h := NewHistogram("receipt_duration_seconds", "receipt", nil, nil)
	timer := h.Timer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.Count())
}

func TestLabels_String(t *testing.T) {
	assert.Empty(t, Labels(nil).String())
	assert.Equal(t, `{device="pointer",session="s1"}`,
		Labels{"session": "s1", "device": "pointer"}.String())
}

// ============================================================
// Registry
// ============================================================

func TestRegistry_NamespaceAndDedup(t *testing.T) {
	r := NewRegistry("ghostd")

	c1 := r.RegisterCounter("flags_total", "flags", nil)
	c2 := r.RegisterCounter("flags_total", "flags", nil)
	assert.Same(t, c1, c2, "re-registering returns the existing metric")
	assert.Equal(t, "ghostd_flags_total", c1.Name())
}

func TestRegistry_WritePrometheus(t *testing.T) {
	r := NewRegistry("ghostd")
	r.RegisterCounter("flags_total", "Flags emitted", nil).Add(7)
	r.RegisterGauge("chain_length", "Ledger length", nil).Set(42)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE ghostd_flags_total counter")
	assert.Contains(t, out, "ghostd_flags_total 7")
	assert.Contains(t, out, "# TYPE ghostd_chain_length gauge")
	assert.Contains(t, out, "ghostd_chain_length 42")
}

func TestRegistry_WritePrometheus_HistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("scorer_duration_seconds", "scorer", nil, []float64{0.01, 0.1})
	h.Observe(0.005)
	h.Observe(0.05)
	h.Observe(5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, `scorer_duration_seconds_bucket{le="0.010000"} 1`)
	assert.Contains(t, out, `scorer_duration_seconds_bucket{le="0.100000"} 2`)
	assert.Contains(t, out, `scorer_duration_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "scorer_duration_seconds_count 3")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry("ghostd")
	r.RegisterCounter("blocks_total", "blocks", nil).Add(3)
	r.RegisterGauge("stream_length", "stream", nil).Set(10)

	snap := r.Snapshot()
	assert.Equal(t, uint64(3), snap["ghostd_blocks_total"])
	assert.Equal(t, int64(10), snap["ghostd_stream_length"])
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry("ghostd")
	c := r.RegisterCounter("errors_total", "errors", nil)
	c.Add(9)
	h := r.RegisterHistogram("append_duration_seconds", "append", nil, nil)
	h.Observe(0.5)

	r.Reset()
	assert.Zero(t, c.Value())
	assert.Zero(t, h.Count())
	assert.Zero(t, h.Sum())
}

func TestRegistry_HTTPHandler(t *testing.T) {
	r := NewRegistry("ghostd")
	r.RegisterCounter("receipts_total", "receipts", nil).Inc()
	handler := r.HTTPHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "ghostd_receipts_total 1")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap["ghostd_receipts_total"])
}

// ============================================================
// Daemon metric set
// ============================================================

func TestGhostdMetrics(t *testing.T) {
	m := NewGhostdMetrics(NewRegistry("ghostd"))

	m.RecordSample()
	m.RecordSample()
	m.RecordRejectedSample()
	m.RecordFlag()
	m.RecordBlock(2 * time.Millisecond)
	m.RecordWriteFailure()
	m.RecordReceipt(time.Millisecond)
	m.RecordClip()
	m.SessionStarted()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap["samples_total"])
	assert.Equal(t, uint64(1), snap["samples_rejected_total"])
	assert.Equal(t, uint64(1), snap["flags_total"])
	assert.Equal(t, uint64(1), snap["blocks_total"])
	assert.Equal(t, uint64(1), snap["write_failures_total"])
	assert.Equal(t, uint64(1), snap["receipts_total"])
	assert.Equal(t, uint64(1), snap["clips_total"])
	assert.Equal(t, int64(1), snap["active_sessions"])
	assert.Equal(t, uint64(2), m.ErrorsTotal.Value(), "write failures count as errors")

	m.SessionEnded()
	assert.Zero(t, m.ActiveSessions.Value())
}
