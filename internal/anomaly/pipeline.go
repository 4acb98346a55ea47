package anomaly

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ghostd/internal/event"
	"ghostd/internal/logging"
	"ghostd/internal/stream"
)

// Defaults.
const (
	DefaultBucket     = time.Second
	DefaultHop        = 500 * time.Millisecond
	DefaultThreshold  = 0.7
	DefaultDeadline   = 250 * time.Millisecond
	DefaultQueueDepth = 8
)

// Config holds pipeline tuning.
type Config struct {
	// Bucket is the window duration (default 1s).
	Bucket time.Duration

	// Hop is the window advance; hop < bucket gives overlapping windows.
	Hop time.Duration

	// Threshold is the minimum confidence for a flag to be emitted.
	Threshold float64

	// Deadline bounds each scorer call. A call exceeding it is treated as
	// a timeout: logged, counted, window skipped. The pipeline is never
	// blocked indefinitely by a scorer.
	Deadline time.Duration

	// QueueDepth bounds pending windows per lane. Overflow drops the
	// oldest pending window, never the newest.
	QueueDepth int

	// RecordCalibration logs sub-threshold scores for threshold tuning.
	// Sub-threshold scores are never chain-worthy.
	RecordCalibration bool
}

// DefaultConfig returns the default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		Bucket:     DefaultBucket,
		Hop:        DefaultHop,
		Threshold:  DefaultThreshold,
		Deadline:   DefaultDeadline,
		QueueDepth: DefaultQueueDepth,
	}
}

func (c Config) withDefaults() Config {
	if c.Bucket <= 0 {
		c.Bucket = DefaultBucket
	}
	if c.Hop <= 0 {
		c.Hop = DefaultHop
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Stats contains pipeline counters.
type Stats struct {
	WindowsScored  uint64 `json:"windows_scored"`
	FlagsEmitted   uint64 `json:"flags_emitted"`
	ScorerTimeouts uint64 `json:"scorer_timeouts"`
	ScorerErrors   uint64 `json:"scorer_errors"`
	QueueOverflows uint64 `json:"queue_overflows"`
	StreamGaps     uint64 `json:"stream_gaps"`
	SubThreshold   uint64 `json:"sub_threshold"`
}

// Pipeline consumes metric records from an event stream subscription,
// windows them per lane (device), and scores each window. At most one
// scorer call is in flight per lane.
type Pipeline struct {
	cfg    Config
	scorer Scorer
	emit   func(event.Flag)
	log    *logging.Logger

	threshold atomic.Value // float64, live-reloadable

	mu    sync.Mutex
	lanes map[event.Device]*lane

	snap atomic.Pointer[event.ContextSnapshot]

	windowsScored  atomic.Uint64
	flagsEmitted   atomic.Uint64
	scorerTimeouts atomic.Uint64
	scorerErrors   atomic.Uint64
	queueOverflows atomic.Uint64
	streamGaps     atomic.Uint64
	subThreshold   atomic.Uint64

	wg sync.WaitGroup
}

// lane serializes scoring for one device's windows.
type lane struct {
	dev      event.Device
	windower *windower

	mu      sync.Mutex
	pending []Window
	max     int
	notify  chan struct{}
	done    bool
}

// New creates a pipeline. emit receives every flag whose confidence crosses
// the threshold.
func New(cfg Config, scorer Scorer, emit func(event.Flag), log *logging.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		scorer: scorer,
		emit:   emit,
		log:    log.WithComponent("anomaly"),
		lanes:  make(map[event.Device]*lane),
	}
	p.threshold.Store(cfg.Threshold)
	return p
}

// SetThreshold updates the flag threshold at runtime (config reload).
func (p *Pipeline) SetThreshold(t float64) {
	if t > 0 && t <= 1 {
		p.threshold.Store(t)
	}
}

// Run consumes the subscription until the stream closes or ctx is
// cancelled, then flushes partial windows and waits for lane workers.
func (p *Pipeline) Run(ctx context.Context, sub *stream.Subscriber) error {
	defer p.shutdown(ctx)

	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			var gap *stream.GapError
			switch {
			case errors.As(err, &gap):
				// Windows spanning the gap are unreliable; drop lane state
				// and restart bucketing from the next record.
				p.streamGaps.Add(1)
				p.log.Warn("subscriber fell behind, resetting windows",
					"resume_offset", gap.ResumeOffset)
				p.resetLanes()
				continue
			case errors.Is(err, stream.ErrClosed):
				return nil
			default:
				return err
			}
		}

		switch rec.Kind {
		case event.KindContext:
			snap := *rec.Context
			p.snap.Store(&snap)
			continue
		case event.KindMetric:
		default:
			continue
		}

		l := p.laneFor(rec.Metric.Sample.Device)
		for _, win := range l.windower.add(rec.Offset, *rec.Metric) {
			p.enqueue(l, win)
		}
	}
}

func (p *Pipeline) laneFor(dev event.Device) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lanes[dev]
	if l == nil {
		l = &lane{
			dev:      dev,
			windower: newWindower(dev, p.cfg.Bucket, p.cfg.Hop),
			max:      p.cfg.QueueDepth,
			notify:   make(chan struct{}, 1),
		}
		p.lanes[dev] = l
		p.wg.Add(1)
		go p.laneWorker(l)
	}
	return l
}

func (p *Pipeline) resetLanes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dev, l := range p.lanes {
		l.windower = newWindower(dev, p.cfg.Bucket, p.cfg.Hop)
	}
}

// enqueue adds a window to the lane's bounded queue, dropping the oldest
// pending window on overflow.
func (p *Pipeline) enqueue(l *lane, win Window) {
	l.mu.Lock()
	if len(l.pending) >= l.max {
		l.pending = l.pending[1:]
		p.queueOverflows.Add(1)
		p.log.Debug("lane queue overflow, dropped oldest window", "lane", l.dev.String())
	}
	l.pending = append(l.pending, win)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// laneWorker scores pending windows one at a time, in arrival order.
func (p *Pipeline) laneWorker(l *lane) {
	defer p.wg.Done()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			done := l.done
			l.mu.Unlock()
			if done {
				return
			}
			<-l.notify
			continue
		}
		win := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		p.score(win)
	}
}

// score runs one scorer call under the configured deadline. The call runs
// in its own goroutine so a scorer that ignores its context cannot wedge
// the lane worker: when the deadline fires the call is abandoned and the
// window skipped.
func (p *Pipeline) score(win Window) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Deadline)
	defer cancel()

	type outcome struct {
		result Score
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := p.scorer.Score(ctx, win.Records, p.snap.Load())
		ch <- outcome{result, err}
	}()

	var result Score
	var err error
	select {
	case out := <-ch:
		result, err = out.result, out.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.windowsScored.Add(1)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.scorerTimeouts.Add(1)
			p.log.Warn("scorer deadline exceeded, window skipped",
				"scorer", p.scorer.Name(), "lane", win.Lane.String(),
				"window_start_ns", win.Ref.StartNs)
		} else {
			p.scorerErrors.Add(1)
			p.log.Warn("scorer failed, window skipped",
				"scorer", p.scorer.Name(), "error", err)
		}
		return
	}

	threshold := p.threshold.Load().(float64)
	if result.Confidence < threshold {
		if p.cfg.RecordCalibration && result.Confidence > 0 {
			p.subThreshold.Add(1)
			p.log.Debug("sub-threshold score",
				"kind", result.Kind, "confidence", result.Confidence,
				"lane", win.Lane.String())
		}
		return
	}

	p.flagsEmitted.Add(1)
	p.emit(event.Flag{
		Window:     win.Ref,
		Kind:       result.Kind,
		Confidence: result.Confidence,
		Rationale:  result.Rationale,
		ProducedNs: time.Now().UnixNano(),
	})
}

// shutdown flushes partial windows and drains lane workers.
func (p *Pipeline) shutdown(ctx context.Context) {
	p.mu.Lock()
	lanes := make([]*lane, 0, len(p.lanes))
	for _, l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.mu.Unlock()

	for _, l := range lanes {
		if win, ok := l.windower.flush(); ok && ctx.Err() == nil {
			p.enqueue(l, win)
		}
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	p.wg.Wait()
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		WindowsScored:  p.windowsScored.Load(),
		FlagsEmitted:   p.flagsEmitted.Load(),
		ScorerTimeouts: p.scorerTimeouts.Load(),
		ScorerErrors:   p.scorerErrors.Load(),
		QueueOverflows: p.queueOverflows.Load(),
		StreamGaps:     p.streamGaps.Load(),
		SubThreshold:   p.subThreshold.Load(),
	}
}
