// Package kinematics derives velocity and acceleration metrics from raw
// input samples. The engine keeps a fixed trailing window per device, so
// memory is O(window) regardless of session length, and performs no I/O on
// the ingest path.
package kinematics

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"ghostd/internal/event"
)

// DefaultWindowSize is the trailing window used for smoothed velocity.
const DefaultWindowSize = 5

// DefaultHighVelocity is the px/s threshold for the high_velocity tag.
const DefaultHighVelocity = 20000.0

// ErrOutOfOrder is returned when a sample's timestamp precedes the last
// accepted timestamp for its device. The sample is dropped, not buffered:
// upstream capture is expected to be monotonic and this boundary is
// defensive, not a reordering buffer.
var ErrOutOfOrder = errors.New("kinematics: sample out of order")

// RejectError describes a rejected sample. It unwraps to ErrOutOfOrder so
// callers can match with errors.Is.
type RejectError struct {
	Sample     event.RawSample
	LastNs     int64
	underlying error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: device=%s sample_ns=%d last_accepted_ns=%d",
		e.underlying, e.Sample.Device, e.Sample.TimestampNs, e.LastNs)
}

func (e *RejectError) Unwrap() error { return e.underlying }

// step is one accepted sample's contribution to the trailing window.
type step struct {
	timestampNs  int64
	displacement float64
	velocity     float64
}

// deviceState is the per-device trailing state. Samples outside the window
// are discarded.
type deviceState struct {
	lastNs       int64
	lastVelocity float64
	lastKeycode  uint16
	lastDX       int32
	lastDY       int32
	seen         bool

	window []step // ring, oldest first
}

// Engine computes metric records from raw samples.
//
// Engine is safe for concurrent use, though the capture boundary delivers
// samples from a single goroutine in practice.
type Engine struct {
	mu sync.Mutex

	windowSize   int
	highVelocity float64
	devices      map[event.Device]*deviceState
	accepted     uint64
	rejected     uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindowSize sets the trailing window length (minimum 2).
func WithWindowSize(n int) Option {
	return func(e *Engine) {
		if n >= 2 {
			e.windowSize = n
		}
	}
}

// WithHighVelocityThreshold sets the px/s threshold for TagHighVelocity.
func WithHighVelocityThreshold(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.highVelocity = v
		}
	}
}

// New creates a metric engine with default settings.
func New(opts ...Option) *Engine {
	e := &Engine{
		windowSize:   DefaultWindowSize,
		highVelocity: DefaultHighVelocity,
		devices:      make(map[event.Device]*deviceState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest consumes one raw sample and returns its metric record.
// A sample with a timestamp earlier than the last accepted sample for its
// device is rejected with a *RejectError wrapping ErrOutOfOrder and has no
// effect on engine state.
func (e *Engine) Ingest(s event.RawSample) (event.MetricRecord, error) {
	if err := s.Validate(); err != nil {
		return event.MetricRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ds := e.devices[s.Device]
	if ds == nil {
		ds = &deviceState{window: make([]step, 0, e.windowSize)}
		e.devices[s.Device] = ds
	}

	if ds.seen && s.TimestampNs < ds.lastNs {
		e.rejected++
		return event.MetricRecord{}, &RejectError{
			Sample:     s,
			LastNs:     ds.lastNs,
			underlying: ErrOutOfOrder,
		}
	}

	rec := event.MetricRecord{Sample: s}

	displacement := 0.0
	if s.Device == event.DevicePointer {
		displacement = math.Hypot(float64(s.Pointer.DX), float64(s.Pointer.DY))
	}

	if ds.seen {
		rec.InterArrivalNs = s.TimestampNs - ds.lastNs
		dt := float64(rec.InterArrivalNs) / 1e9
		if dt > 0 {
			rec.Velocity = displacement / dt
			rec.Acceleration = (rec.Velocity - ds.lastVelocity) / dt
		}
	}

	rec.Tags = e.tag(ds, s, displacement, rec.Velocity)

	// Advance trailing window.
	ds.window = append(ds.window, step{
		timestampNs:  s.TimestampNs,
		displacement: displacement,
		velocity:     rec.Velocity,
	})
	if len(ds.window) > e.windowSize {
		copy(ds.window, ds.window[1:])
		ds.window = ds.window[:e.windowSize]
	}
	rec.MeanVelocity = meanVelocity(ds.window)

	ds.lastNs = s.TimestampNs
	ds.lastVelocity = rec.Velocity
	if s.Device == event.DevicePointer {
		ds.lastDX = s.Pointer.DX
		ds.lastDY = s.Pointer.DY
	} else {
		ds.lastKeycode = s.Key.Keycode
	}
	ds.seen = true
	e.accepted++

	return rec, nil
}

// tag attaches cheap heuristic labels. No allocation when nothing applies.
func (e *Engine) tag(ds *deviceState, s event.RawSample, displacement, velocity float64) []event.Tag {
	var tags []event.Tag

	switch s.Device {
	case event.DevicePointer:
		if displacement == 0 {
			tags = append(tags, event.TagStationary)
		}
		if velocity > e.highVelocity {
			tags = append(tags, event.TagHighVelocity)
		}
		if ds.seen && directionFlipped(ds.lastDX, ds.lastDY, s.Pointer.DX, s.Pointer.DY) {
			tags = append(tags, event.TagDirectionFlip)
		}
	case event.DeviceKey:
		if ds.seen && s.Key.Edge == event.EdgePress && s.Key.Keycode == ds.lastKeycode {
			tags = append(tags, event.TagKeyRepeat)
		}
	}

	return tags
}

// directionFlipped reports whether consecutive displacement vectors point in
// opposite directions (negative dot product with both vectors nonzero).
func directionFlipped(px, py, cx, cy int32) bool {
	if (px == 0 && py == 0) || (cx == 0 && cy == 0) {
		return false
	}
	return int64(px)*int64(cx)+int64(py)*int64(cy) < 0
}

func meanVelocity(window []step) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, st := range window {
		sum += st.velocity
	}
	return sum / float64(len(window))
}

// Stats contains aggregate engine counters.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Devices  int    `json:"devices"`
}

// Stats returns aggregate counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Accepted: e.accepted,
		Rejected: e.rejected,
		Devices:  len(e.devices),
	}
}

// Reset clears all per-device state and counters.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = make(map[event.Device]*deviceState)
	e.accepted = 0
	e.rejected = 0
}
