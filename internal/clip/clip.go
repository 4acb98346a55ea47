// Package clip turns high-confidence flags into clip requests. The
// controller never captures video itself; it resolves the time window
// around a flag into event-stream offsets and hands a manifest to a
// recorder. Recording failures never stall flag handling.
package clip

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ghostd/internal/event"
	"ghostd/internal/logging"
	"ghostd/internal/stream"
)

// Defaults.
const (
	DefaultPreWindow  = 30 * time.Second
	DefaultPostWindow = 10 * time.Second
)

// Range is an inclusive offset range into the event stream.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Manifest describes one requested clip.
type Manifest struct {
	SessionID  string  `json:"session_id"`
	FlagKind   string  `json:"flag_kind"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`

	// TriggerNs is the end of the flagged window; the clip is cut
	// around this instant.
	TriggerNs int64 `json:"trigger_ns"`
	StartNs   int64 `json:"start_ns"`
	EndNs     int64 `json:"end_ns"`

	// EventRange covers the stream records inside [StartNs, EndNs].
	EventRange Range `json:"event_range"`

	// ChainExcerpt covers the ledger blocks backing the event range.
	ChainExcerpt Range `json:"chain_excerpt"`

	// TruncatedPre and TruncatedPost report that the session did not
	// span the full requested window on that side.
	TruncatedPre  bool `json:"truncated_pre,omitempty"`
	TruncatedPost bool `json:"truncated_post,omitempty"`

	CreatedNs int64 `json:"created_ns"`
}

// Encode renders the manifest as JSON.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a JSON manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Recorder receives completed manifests. Implementations must be safe for
// concurrent use; the controller calls Record from its own goroutines.
type Recorder interface {
	Record(m *Manifest) error
}

// Config holds clip controller tuning.
type Config struct {
	// Pre is how far before the flagged window's start the clip reaches
	// back.
	Pre time.Duration

	// Post is how far past the trigger the clip extends, on the capture
	// timebase. The manifest is finalized once the stream has progressed
	// that far, or earlier at session end with TruncatedPost set.
	Post time.Duration

	// TriggerKinds limits which flag kinds request clips. Empty means
	// every flag does.
	TriggerKinds []string
}

// DefaultConfig returns the default clip tuning.
func DefaultConfig() Config {
	return Config{
		Pre:  DefaultPreWindow,
		Post: DefaultPostWindow,
	}
}

// Stats holds clip controller counters.
type Stats struct {
	Requested uint64 `json:"requested"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// Controller resolves flags into clip manifests against the session's
// event stream.
type Controller struct {
	cfg       Config
	sessionID string
	log       *stream.Log
	rec       Recorder
	logger    *logging.Logger

	// chainAt maps a stream offset to the ledger index of its block.
	// Nil means offsets and indices coincide.
	chainAt func(offset uint64) (uint64, bool)

	triggers map[string]struct{}

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	pending sync.WaitGroup

	requested atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithChainResolver supplies the offset-to-ledger-index mapping used for
// the manifest's chain excerpt.
func WithChainResolver(fn func(offset uint64) (uint64, bool)) Option {
	return func(c *Controller) { c.chainAt = fn }
}

// NewController creates a clip controller over the session's stream.
func NewController(cfg Config, sessionID string, log *stream.Log, rec Recorder, logger *logging.Logger, opts ...Option) *Controller {
	if cfg.Pre <= 0 {
		cfg.Pre = DefaultPreWindow
	}
	if cfg.Post <= 0 {
		cfg.Post = DefaultPostWindow
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Controller{
		cfg:       cfg,
		sessionID: sessionID,
		log:       log,
		rec:       rec,
		logger:    logger.WithComponent("clip"),
		done:      make(chan struct{}),
	}
	if len(cfg.TriggerKinds) > 0 {
		c.triggers = make(map[string]struct{}, len(cfg.TriggerKinds))
		for _, k := range cfg.TriggerKinds {
			c.triggers[k] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnFlag requests a clip for the flag. Fire and forget: the call returns
// immediately and the manifest is finalized once the post window elapses.
func (c *Controller) OnFlag(flag event.Flag) {
	if c.triggers != nil {
		if _, ok := c.triggers[flag.Kind]; !ok {
			c.skipped.Add(1)
			return
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.skipped.Add(1)
		return
	}
	c.pending.Add(1)
	c.mu.Unlock()

	c.requested.Add(1)

	go func() {
		defer c.pending.Done()

		// The post window is measured on the capture timebase, so it is
		// paced by stream progress, not the wallclock. Session end cuts
		// the wait short; finalize works with whatever the stream holds.
		select {
		case <-c.log.TimeReached(flag.Window.EndNs + c.cfg.Post.Nanoseconds()):
		case <-c.done:
		}
		c.finalize(flag)
	}()
}

// finalize resolves the clip window against the stream and records it. The
// clip reaches back Pre before the flagged window starts and extends Post
// past its end.
func (c *Controller) finalize(flag event.Flag) {
	trigger := flag.Window.EndNs
	startNs := flag.Window.StartNs - c.cfg.Pre.Nanoseconds()
	endNs := trigger + c.cfg.Post.Nanoseconds()

	m := &Manifest{
		SessionID:  c.sessionID,
		FlagKind:   flag.Kind,
		Confidence: flag.Confidence,
		Rationale:  flag.Rationale,
		TriggerNs:  trigger,
		StartNs:    startNs,
		EndNs:      endNs,
		CreatedNs:  time.Now().UnixNano(),
	}

	// Window bounds resolve against metric records only; flag and context
	// records carry wallclock stamps outside the capture timebase.
	first, last, ok := c.log.MetricBounds()
	if !ok {
		c.failed.Add(1)
		c.logger.Warn("clip dropped, empty stream", "flag_kind", flag.Kind)
		return
	}
	firstNs := c.log.TimestampAt(first)
	lastNs := c.log.TimestampAt(last)

	startOff := c.log.OffsetAt(startNs)
	if startNs < firstNs {
		// Session began after the requested start.
		m.TruncatedPre = true
		m.StartNs = firstNs
	}
	if startOff > last {
		startOff = last
	}
	endOff, endOK := c.log.OffsetBefore(endNs)
	if !endOK {
		endOff = startOff
	}
	if endNs > lastNs {
		m.TruncatedPost = true
		m.EndNs = lastNs
	}
	if endOff < startOff {
		endOff = startOff
	}
	m.EventRange = Range{Start: startOff, End: endOff}

	m.ChainExcerpt = m.EventRange
	if c.chainAt != nil {
		if s, ok := c.chainAt(startOff); ok {
			m.ChainExcerpt.Start = s
		}
		if e, ok := c.chainAt(endOff); ok {
			m.ChainExcerpt.End = e
		}
	}

	if err := c.rec.Record(m); err != nil {
		c.failed.Add(1)
		c.logger.Warn("clip recorder failed", "flag_kind", flag.Kind, "error", err)
		return
	}
	c.completed.Add(1)
	c.logger.Info("clip recorded",
		"flag_kind", flag.Kind,
		"event_start", m.EventRange.Start, "event_end", m.EventRange.End,
		"truncated_pre", m.TruncatedPre, "truncated_post", m.TruncatedPost)
}

// Close waits for in-flight clips to finalize. Post windows still waiting
// are cut short; their manifests carry TruncatedPost.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	c.pending.Wait()
}

// Stats returns clip counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Requested: c.requested.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Skipped:   c.skipped.Load(),
	}
}
