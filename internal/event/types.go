// Package event defines the shared data model for the ghostd pipeline:
// raw input samples, derived metric records, anomaly flags, and context
// snapshots. Every downstream component (stream, anomaly, chain, clip)
// speaks these types; none of them owns a divergent copy.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device identifies the input device a sample originated from.
type Device uint8

const (
	// DevicePointer is a relative pointing device (mouse, trackpad).
	DevicePointer Device = iota
	// DeviceKey is a keyboard.
	DeviceKey
)

func (d Device) String() string {
	switch d {
	case DevicePointer:
		return "pointer"
	case DeviceKey:
		return "key"
	default:
		return "unknown"
	}
}

// ButtonMask is a bitmask of pointer buttons held at sample time.
type ButtonMask uint8

const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonRight
	ButtonMiddle
)

// KeyEdge is the direction of a key transition.
type KeyEdge uint8

const (
	EdgePress KeyEdge = iota
	EdgeRelease
)

func (e KeyEdge) String() string {
	if e == EdgePress {
		return "press"
	}
	return "release"
}

// PointerPayload carries the device-specific fields of a pointer sample.
type PointerPayload struct {
	DX      int32      `json:"dx"`
	DY      int32      `json:"dy"`
	Buttons ButtonMask `json:"buttons"`
}

// KeyPayload carries the device-specific fields of a key sample.
type KeyPayload struct {
	Keycode uint16  `json:"keycode"`
	Edge    KeyEdge `json:"edge"`
}

// RawSample is a single observation from the capture boundary.
// Timestamps are monotonic nanoseconds. A sample is immutable once created
// and is consumed exactly once by the metric engine.
type RawSample struct {
	Device      Device          `json:"device"`
	TimestampNs int64           `json:"timestamp_ns"`
	Pointer     *PointerPayload `json:"pointer,omitempty"`
	Key         *KeyPayload     `json:"key,omitempty"`
}

// NewPointerSample builds a pointer sample.
func NewPointerSample(tsNs int64, dx, dy int32, buttons ButtonMask) RawSample {
	return RawSample{
		Device:      DevicePointer,
		TimestampNs: tsNs,
		Pointer:     &PointerPayload{DX: dx, DY: dy, Buttons: buttons},
	}
}

// NewKeySample builds a key sample.
func NewKeySample(tsNs int64, keycode uint16, edge KeyEdge) RawSample {
	return RawSample{
		Device:      DeviceKey,
		TimestampNs: tsNs,
		Key:         &KeyPayload{Keycode: keycode, Edge: edge},
	}
}

// Validate checks that the payload matches the declared device.
func (s RawSample) Validate() error {
	switch s.Device {
	case DevicePointer:
		if s.Pointer == nil {
			return fmt.Errorf("pointer sample missing pointer payload")
		}
	case DeviceKey:
		if s.Key == nil {
			return fmt.Errorf("key sample missing key payload")
		}
	default:
		return fmt.Errorf("unknown device %d", s.Device)
	}
	return nil
}

// Tag is a cheap heuristic label attached by the metric engine.
type Tag string

const (
	// TagStationary marks a pointer sample with zero displacement.
	TagStationary Tag = "stationary"
	// TagHighVelocity marks a sample whose instantaneous velocity exceeds
	// the engine's high-velocity threshold.
	TagHighVelocity Tag = "high_velocity"
	// TagDirectionFlip marks an instantaneous reversal of travel direction.
	TagDirectionFlip Tag = "direction_flip"
	// TagKeyRepeat marks a key sample repeating the previous keycode.
	TagKeyRepeat Tag = "key_repeat"
)

// MetricRecord is the derived kinematic record for one accepted sample.
// Velocity is Euclidean displacement over elapsed time since the previous
// accepted sample of the same device; acceleration is the first difference
// of velocity over the same interval.
type MetricRecord struct {
	Sample RawSample `json:"sample"`

	// Velocity in pixels per second.
	Velocity float64 `json:"velocity"`

	// Acceleration in pixels per second squared.
	Acceleration float64 `json:"acceleration"`

	// MeanVelocity is the average velocity across the engine's trailing
	// window (smoothed signal for scorers).
	MeanVelocity float64 `json:"mean_velocity"`

	// InterArrivalNs is the elapsed time since the previous accepted sample
	// of the same device. Zero for the first sample of a device.
	InterArrivalNs int64 `json:"inter_arrival_ns"`

	Tags []Tag `json:"tags,omitempty"`
}

// WindowRef identifies a contiguous slice of the event stream.
type WindowRef struct {
	StartOffset uint64 `json:"start_offset"`
	EndOffset   uint64 `json:"end_offset"`
	StartNs     int64  `json:"start_ns"`
	EndNs       int64  `json:"end_ns"`
}

// Duration returns the time span covered by the window.
func (w WindowRef) Duration() time.Duration {
	return time.Duration(w.EndNs - w.StartNs)
}

// Flag is a confidence-scored anomaly judgment over a window of the stream.
// Flags are append-only: a flag is never retracted, only superseded by a
// later flag referencing the same window with different confidence. Both
// remain in the ledger.
type Flag struct {
	Window     WindowRef `json:"window"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	ProducedNs int64     `json:"produced_ns"`

	// Supersedes carries the chain index of an earlier flag for the same
	// window when the scorer revised its judgment. Nil for first judgments.
	Supersedes *uint64 `json:"supersedes,omitempty"`
}

// ContextSnapshot is a read-only view of application context, supplied by
// the external context provider and attached to blocks by reference. The
// core never mutates it.
type ContextSnapshot struct {
	SessionID string            `json:"session_id"`
	ActiveApp string            `json:"active_app"`
	State     map[string]string `json:"state,omitempty"`
	UpdatedNs int64             `json:"updated_ns"`

	// Version increments on every provider update; used as the context
	// reference stored in blocks.
	Version int64 `json:"version"`
}

// Kind discriminates the record variants carried by the event stream.
type Kind uint8

const (
	KindMetric Kind = iota + 1
	KindFlag
	KindContext
)

func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindFlag:
		return "flag"
	case KindContext:
		return "context"
	default:
		return "unknown"
	}
}

// Record is one entry in the event stream. Exactly one of Metric, Flag,
// Context is set, matching Kind.
type Record struct {
	Offset  uint64           `json:"offset"`
	Kind    Kind             `json:"kind"`
	Metric  *MetricRecord    `json:"metric,omitempty"`
	Flag    *Flag            `json:"flag,omitempty"`
	Context *ContextSnapshot `json:"context,omitempty"`
}

// TimestampNs returns the record's event time.
func (r Record) TimestampNs() int64 {
	switch r.Kind {
	case KindMetric:
		return r.Metric.Sample.TimestampNs
	case KindFlag:
		return r.Flag.ProducedNs
	case KindContext:
		return r.Context.UpdatedNs
	}
	return 0
}

// Encode returns the canonical serialization of the record's payload for
// hashing and persistence. Struct field order is fixed, so the encoding is
// deterministic for a given payload.
func (r Record) Encode() ([]byte, error) {
	switch r.Kind {
	case KindMetric:
		return json.Marshal(r.Metric)
	case KindFlag:
		return json.Marshal(r.Flag)
	case KindContext:
		return json.Marshal(r.Context)
	default:
		return nil, fmt.Errorf("encode record: unknown kind %d", r.Kind)
	}
}

// MetricEvent wraps a metric record as a stream record (offset unset).
func MetricEvent(m MetricRecord) Record {
	return Record{Kind: KindMetric, Metric: &m}
}

// FlagEvent wraps a flag as a stream record (offset unset).
func FlagEvent(f Flag) Record {
	return Record{Kind: KindFlag, Flag: &f}
}

// ContextEvent wraps a context snapshot as a stream record (offset unset).
func ContextEvent(c ContextSnapshot) Record {
	return Record{Kind: KindContext, Context: &c}
}
