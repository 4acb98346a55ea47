// Package input feeds raw samples into a session. The capture boundary
// itself (OS hooks, driver taps) lives outside the daemon; sources here
// consume already-captured sample feeds.
package input

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"ghostd/internal/event"
)

// Source delivers raw samples to a sink until the feed ends or ctx is
// cancelled. Run returns nil on a clean end of feed.
type Source interface {
	Run(ctx context.Context, sink func(event.RawSample)) error
}

// wireSample is the JSONL representation of a sample.
type wireSample struct {
	Device      string `json:"device"`
	TimestampNs int64  `json:"timestamp_ns"`

	// Pointer fields.
	DX      int32 `json:"dx,omitempty"`
	DY      int32 `json:"dy,omitempty"`
	Buttons uint8 `json:"buttons,omitempty"`

	// Key fields.
	Keycode uint16 `json:"keycode,omitempty"`
	Edge    string `json:"edge,omitempty"`
}

func (w wireSample) toSample() (event.RawSample, error) {
	switch w.Device {
	case "pointer":
		return event.NewPointerSample(w.TimestampNs, w.DX, w.DY, event.ButtonMask(w.Buttons)), nil
	case "key":
		edge := event.EdgePress
		if w.Edge == "release" {
			edge = event.EdgeRelease
		}
		return event.NewKeySample(w.TimestampNs, w.Keycode, edge), nil
	default:
		return event.RawSample{}, fmt.Errorf("unknown device %q", w.Device)
	}
}

// EncodeSample renders a sample in the JSONL wire form.
func EncodeSample(s event.RawSample) ([]byte, error) {
	w := wireSample{
		Device:      s.Device.String(),
		TimestampNs: s.TimestampNs,
	}
	switch s.Device {
	case event.DevicePointer:
		if s.Pointer == nil {
			return nil, fmt.Errorf("pointer sample missing payload")
		}
		w.DX = s.Pointer.DX
		w.DY = s.Pointer.DY
		w.Buttons = uint8(s.Pointer.Buttons)
	case event.DeviceKey:
		if s.Key == nil {
			return nil, fmt.Errorf("key sample missing payload")
		}
		w.Keycode = s.Key.Keycode
		w.Edge = s.Key.Edge.String()
	}
	return json.Marshal(w)
}

// JSONLSource reads newline-delimited JSON samples from a reader.
// Malformed lines are skipped; the feed keeps going.
type JSONLSource struct {
	r io.Reader

	// Skipped counts malformed lines, readable after Run returns.
	Skipped int
}

// NewJSONLSource creates a source over the reader.
func NewJSONLSource(r io.Reader) *JSONLSource {
	return &JSONLSource{r: r}
}

// NewStdinSource creates a source over standard input.
func NewStdinSource() *JSONLSource {
	return NewJSONLSource(os.Stdin)
}

// Run implements Source.
func (s *JSONLSource) Run(ctx context.Context, sink func(event.RawSample)) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var w wireSample
		if err := json.Unmarshal(line, &w); err != nil {
			s.Skipped++
			continue
		}
		sample, err := w.toSample()
		if err != nil {
			s.Skipped++
			continue
		}
		sink(sample)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read sample feed: %w", err)
	}
	return nil
}

// ReplaySource replays a JSONL capture file. With Realtime set, delivery
// is paced by the recorded timestamps; otherwise samples are delivered as
// fast as the sink accepts them.
type ReplaySource struct {
	Path     string
	Realtime bool
}

// Run implements Source.
func (s *ReplaySource) Run(ctx context.Context, sink func(event.RawSample)) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	if !s.Realtime {
		src := NewJSONLSource(f)
		return src.Run(ctx, sink)
	}

	var firstTs int64
	start := time.Now()
	src := NewJSONLSource(f)
	return src.Run(ctx, func(sample event.RawSample) {
		if firstTs == 0 {
			firstTs = sample.TimestampNs
		}
		due := start.Add(time.Duration(sample.TimestampNs - firstTs))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		sink(sample)
	})
}

// SliceSource delivers a fixed set of samples. Used in tests.
type SliceSource struct {
	Samples []event.RawSample
}

// Run implements Source.
func (s *SliceSource) Run(ctx context.Context, sink func(event.RawSample)) error {
	for _, sample := range s.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink(sample)
	}
	return nil
}
