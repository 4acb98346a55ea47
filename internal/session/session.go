// Package session wires a capture run end to end: samples flow from a
// source through the metric engine onto the event stream, the ledger
// appender and the anomaly pipeline consume the stream independently, and
// shutdown drains everything and issues the session receipt.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ghostd/internal/anomaly"
	"ghostd/internal/chain"
	"ghostd/internal/clip"
	"ghostd/internal/event"
	"ghostd/internal/gamectx"
	"ghostd/internal/input"
	"ghostd/internal/kinematics"
	"ghostd/internal/logging"
	"ghostd/internal/metrics"
	"ghostd/internal/receipt"
	"ghostd/internal/schema"
	"ghostd/internal/stream"
)

// Retry policy for failed ledger writes. After the retries are exhausted
// the record is dropped and counted; the chain head stays at the last
// durable block, so contiguity is never at risk.
const (
	appendRetries    = 3
	appendRetryDelay = 50 * time.Millisecond
)

// SessionStore records session lifecycle rows. *store.Store implements it;
// memory-backed runs pass nil.
type SessionStore interface {
	BeginSession(sessionID string, startedNs int64, firstIndex uint64) error
	EndSession(sessionID string, endedNs int64, lastIndex uint64, receiptDigest []byte) error
}

// Deps are the collaborators a session runs with. Source, Engine, and
// Chain are required.
type Deps struct {
	Source   input.Source
	Engine   *kinematics.Engine
	Chain    *chain.Chain
	Receipts *receipt.Service

	// Sessions is optional lifecycle bookkeeping.
	Sessions SessionStore

	// Scorer drives the anomaly pipeline. Nil disables scoring.
	Scorer anomaly.Scorer

	// ClipRecorder receives clip manifests. Nil disables clips.
	ClipRecorder clip.Recorder

	// Provider supplies application context. Nil leaves context empty.
	Provider gamectx.Provider

	Logger  *logging.Logger
	Metrics *metrics.GhostdMetrics
}

// Config holds per-session tuning.
type Config struct {
	// SessionID overrides the generated UUID. Normally left empty.
	SessionID string

	// SubscriberBuffer is the anomaly pipeline's ring size.
	SubscriberBuffer int

	// ChainBuffer is the ledger appender's ring size. The appender is the
	// slowest consumer; a shallow ring here turns write stalls into
	// ledger gaps.
	ChainBuffer int

	// Anomaly tunes the scoring pipeline.
	Anomaly anomaly.Config

	// Clip tunes the clip controller. Ignored when Deps.ClipRecorder is
	// nil.
	Clip clip.Config

	// ReceiptDir is where the session receipt is written. Empty skips the
	// file; the receipt digest still lands in the session row.
	ReceiptDir string

	// ContextPollInterval polls Deps.Provider for context changes.
	// Zero polls once at startup only.
	ContextPollInterval time.Duration
}

type windowKey struct {
	start, end uint64
}

// Session is one capture run.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *stream.Log

	logger *logging.Logger

	pipeline *anomaly.Pipeline
	clips    *clip.Controller
	tracker  *gamectx.Tracker

	ctxVersion atomic.Int64

	// indexByOffset maps stream offsets to ledger indices, filled by the
	// appender. Offsets are dense from zero.
	idxMu         sync.RWMutex
	indexByOffset []uint64

	// flagIndex remembers the ledger index of the latest flag per window,
	// for supersede linkage.
	flagMu    sync.Mutex
	flagIndex map[windowKey]uint64

	firstIndex uint64
	started    time.Time

	appenderDone chan struct{}
	pipelineDone chan struct{}

	flagsEmitted  atomic.Uint64
	appendDropped atomic.Uint64
	appenderGaps  atomic.Uint64
}

// Summary reports what a finished session produced.
type Summary struct {
	SessionID   string           `json:"session_id"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Samples     uint64           `json:"samples"`
	Rejected    uint64           `json:"rejected"`
	Flags       uint64           `json:"flags"`
	FirstIndex  uint64           `json:"first_index"`
	LastIndex   uint64           `json:"last_index"`
	Receipt     *receipt.Receipt `json:"receipt,omitempty"`
	ReceiptPath string           `json:"receipt_path,omitempty"`
}

// New assembles a session. Run does the work.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Source == nil || deps.Engine == nil || deps.Chain == nil {
		return nil, fmt.Errorf("session: source, engine, and chain are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetMetrics()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = stream.DefaultSubscriberBuffer
	}
	if cfg.ChainBuffer <= 0 {
		cfg.ChainBuffer = 16 * stream.DefaultSubscriberBuffer
	}

	s := &Session{
		id:           cfg.SessionID,
		cfg:          cfg,
		deps:         deps,
		log:          stream.New(),
		logger:       deps.Logger.WithComponent("session").WithSession(cfg.SessionID),
		flagIndex:    make(map[windowKey]uint64),
		appenderDone: make(chan struct{}),
		pipelineDone: make(chan struct{}),
	}

	if deps.Scorer != nil {
		s.pipeline = anomaly.New(cfg.Anomaly, deps.Scorer, s.handleFlag, deps.Logger)
	}
	if deps.ClipRecorder != nil {
		s.clips = clip.NewController(cfg.Clip, s.id, s.log, deps.ClipRecorder, deps.Logger,
			clip.WithChainResolver(s.chainIndexAt))
	}
	s.tracker = gamectx.NewTracker(s.id, s.onContextChange)

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Pipeline exposes the anomaly pipeline for live tuning, or nil when
// scoring is disabled.
func (s *Session) Pipeline() *anomaly.Pipeline { return s.pipeline }

// Run drives the session until the source ends or ctx is cancelled, then
// drains the stream, settles the ledger, and issues the receipt.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	s.started = time.Now()
	s.firstIndex = s.deps.Chain.Len()
	s.deps.Metrics.SessionStarted()
	defer s.deps.Metrics.SessionEnded()

	s.logger.Info("session started", "first_index", s.firstIndex)

	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.BeginSession(s.id, s.started.UnixNano(), s.firstIndex); err != nil {
			return nil, fmt.Errorf("begin session: %w", err)
		}
	}

	// The appender subscribes first so the genesis of the session's chain
	// range never races the first sample.
	chainSub := s.log.Subscribe(s.cfg.ChainBuffer)
	go s.runAppender(chainSub)

	if s.pipeline != nil {
		pipeSub := s.log.Subscribe(s.cfg.SubscriberBuffer)
		go func() {
			defer close(s.pipelineDone)
			if err := s.pipeline.Run(ctx, pipeSub); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("anomaly pipeline failed", "error", err)
			}
		}()
	} else {
		close(s.pipelineDone)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	if s.deps.Provider != nil {
		if err := s.tracker.Poll(s.deps.Provider); err != nil {
			s.logger.Warn("context provider failed", "error", err)
		}
		if s.cfg.ContextPollInterval > 0 {
			go s.pollContext(pollCtx)
		}
	}

	// Ingest until the source ends.
	var lastSampleNs int64
	err := s.deps.Source.Run(ctx, func(sample event.RawSample) {
		rec, err := s.deps.Engine.Ingest(sample)
		if err != nil {
			s.deps.Metrics.RecordRejectedSample()
			s.logger.Debug("sample rejected", "device", sample.Device.String(), "error", err)
			return
		}
		s.deps.Metrics.RecordSample()
		if lastSampleNs != 0 {
			s.deps.Metrics.RecordSampleInterval(time.Duration(sample.TimestampNs - lastSampleNs))
		}
		lastSampleNs = sample.TimestampNs
		s.log.Append(event.MetricEvent(rec))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sample source failed", "error", err)
	}

	return s.finish()
}

// pollContext re-queries the provider on the configured interval.
func (s *Session) pollContext(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ContextPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tracker.Poll(s.deps.Provider); err != nil {
				s.logger.Warn("context provider failed", "error", err)
			}
		}
	}
}

// onContextChange publishes an accepted context update onto the stream. A
// poll can race shutdown; updates after close are dropped.
func (s *Session) onContextChange(snap event.ContextSnapshot) {
	s.ctxVersion.Store(snap.Version)
	s.log.TryAppend(event.ContextEvent(snap))
}

// handleFlag receives threshold-crossing flags from the pipeline. The flag
// goes onto the stream (and from there into the ledger) and triggers a
// clip request.
func (s *Session) handleFlag(flag event.Flag) {
	key := windowKey{flag.Window.StartOffset, flag.Window.EndOffset}
	s.flagMu.Lock()
	if prev, ok := s.flagIndex[key]; ok {
		idx := prev
		flag.Supersedes = &idx
	}
	s.flagMu.Unlock()

	s.flagsEmitted.Add(1)
	s.deps.Metrics.RecordFlag()
	s.logger.Info("flag emitted",
		"kind", flag.Kind, "confidence", flag.Confidence,
		"window_start", flag.Window.StartOffset, "window_end", flag.Window.EndOffset,
		"supersedes", flag.Supersedes != nil)

	if _, ok := s.log.TryAppend(event.FlagEvent(flag)); !ok {
		// The pipeline's shutdown drain can score final windows after the
		// stream closes. The judgment still belongs in the ledger; it goes
		// there directly.
		s.appendLateFlag(flag)
	}

	if s.clips != nil {
		s.clips.OnFlag(flag)
	}
}

// appendLateFlag writes a shutdown-drain flag straight to the chain. The
// appender may still be settling its backlog; Chain.Append serializes the
// two writers.
func (s *Session) appendLateFlag(flag event.Flag) {
	payload, err := event.FlagEvent(flag).Encode()
	if err != nil {
		s.deps.Metrics.RecordError()
		s.logger.Error("late flag encoding failed", "error", err)
		return
	}
	if _, err := s.deps.Chain.Append(chain.PayloadFlag, payload, s.ctxVersion.Load()); err != nil {
		s.appendDropped.Add(1)
		s.deps.Metrics.RecordWriteFailure()
		s.logger.Error("late flag append failed", "error", err)
		return
	}
	s.deps.Metrics.BlocksTotal.Inc()
}

// runAppender drains the stream into the ledger. It is the single writer;
// every record becomes one block, appended durably in stream order.
func (s *Session) runAppender(sub *stream.Subscriber) {
	defer close(s.appenderDone)

	for {
		rec, err := sub.Next(context.Background())
		if err != nil {
			var gap *stream.GapError
			switch {
			case errors.As(err, &gap):
				// Records between our cursor and the resume offset never
				// reached the ledger. Loud by intent: a gap here is
				// evidence loss.
				s.appenderGaps.Add(1)
				s.deps.Metrics.StreamGapsTotal.Inc()
				s.logger.Error("ledger appender fell behind, records lost",
					"resume_offset", gap.ResumeOffset)
				continue
			case errors.Is(err, stream.ErrClosed):
				return
			default:
				s.logger.Error("ledger appender stopped", "error", err)
				return
			}
		}

		s.appendRecord(rec)
	}
}

// appendRecord durably appends one stream record as a block, retrying
// transient write failures.
func (s *Session) appendRecord(rec event.Record) {
	payload, err := rec.Encode()
	if err != nil {
		s.deps.Metrics.RecordError()
		s.logger.Error("record encoding failed", "offset", rec.Offset, "error", err)
		return
	}
	kind := chain.KindForRecord(rec.Kind)
	ctxRef := s.ctxVersion.Load()

	var blk *chain.Block
	for attempt := 0; ; attempt++ {
		timer := s.deps.Metrics.StartAppendTimer()
		blk, err = s.deps.Chain.Append(kind, payload, ctxRef)
		timer.Stop()
		if err == nil {
			break
		}

		s.deps.Metrics.RecordWriteFailure()
		if errors.Is(err, chain.ErrClosed) || attempt >= appendRetries {
			s.appendDropped.Add(1)
			s.logger.Error("ledger append failed, record dropped",
				"offset", rec.Offset, "attempts", attempt+1, "error", err)
			return
		}
		s.logger.Warn("ledger append failed, retrying",
			"offset", rec.Offset, "attempt", attempt+1, "error", err)
		time.Sleep(appendRetryDelay << attempt)
	}

	s.deps.Metrics.BlocksTotal.Inc()
	s.recordIndex(rec.Offset, blk.Index)

	if rec.Kind == event.KindFlag {
		key := windowKey{rec.Flag.Window.StartOffset, rec.Flag.Window.EndOffset}
		s.flagMu.Lock()
		s.flagIndex[key] = blk.Index
		s.flagMu.Unlock()
	}
}

// recordIndex stores the offset-to-index mapping. Offsets arrive densely,
// but a subscriber gap can skip some; missing entries read as zero and are
// rejected by chainIndexAt.
func (s *Session) recordIndex(offset, index uint64) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	for uint64(len(s.indexByOffset)) <= offset {
		s.indexByOffset = append(s.indexByOffset, 0)
	}
	s.indexByOffset[offset] = index + 1 // 0 means unmapped
}

// chainIndexAt resolves a stream offset to its ledger index.
func (s *Session) chainIndexAt(offset uint64) (uint64, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	if offset >= uint64(len(s.indexByOffset)) || s.indexByOffset[offset] == 0 {
		return 0, false
	}
	return s.indexByOffset[offset] - 1, true
}

// finish drains consumers, settles the ledger, and issues the receipt.
func (s *Session) finish() (*Summary, error) {
	// Closing the log lets every subscriber drain its backlog and stop.
	s.log.Close()
	<-s.appenderDone
	<-s.pipelineDone

	if s.clips != nil {
		s.clips.Close()
	}

	s.deps.Chain.Close()

	engineStats := s.deps.Engine.Stats()
	summary := &Summary{
		SessionID:  s.id,
		StartedAt:  s.started,
		Duration:   time.Since(s.started),
		Samples:    engineStats.Accepted,
		Rejected:   engineStats.Rejected,
		Flags:      s.flagsEmitted.Load(),
		FirstIndex: s.firstIndex,
	}

	head, ok := s.deps.Chain.Head()
	if !ok || head < s.firstIndex {
		// Nothing reached the ledger. No receipt to issue.
		s.logger.Warn("session produced no blocks")
		if s.deps.Sessions != nil {
			if err := s.deps.Sessions.EndSession(s.id, time.Now().UnixNano(), s.firstIndex, nil); err != nil {
				s.logger.Error("end session failed", "error", err)
			}
		}
		return summary, nil
	}
	summary.LastIndex = head

	var digest []byte
	if s.deps.Receipts != nil {
		start := time.Now()
		rcpt, err := s.deps.Receipts.Issue(s.id, s.firstIndex, head)
		if err != nil {
			s.logger.Error("receipt issuance failed", "error", err)
		} else {
			s.deps.Metrics.RecordReceipt(time.Since(start))
			summary.Receipt = rcpt
			digest = rcpt.RootHash
			if path, err := s.writeReceipt(rcpt); err != nil {
				s.logger.Error("receipt export failed", "error", err)
			} else if path != "" {
				summary.ReceiptPath = path
			}
		}
	}

	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.EndSession(s.id, time.Now().UnixNano(), head, digest); err != nil {
			s.logger.Error("end session failed", "error", err)
		}
	}

	s.logger.Info("session finished",
		"duration", summary.Duration.String(),
		"samples", summary.Samples, "rejected", summary.Rejected,
		"flags", summary.Flags,
		"blocks", head-s.firstIndex+1,
		"dropped_appends", s.appendDropped.Load())

	return summary, nil
}

// writeReceipt validates and exports the receipt file.
func (s *Session) writeReceipt(r *receipt.Receipt) (string, error) {
	if s.cfg.ReceiptDir == "" {
		return "", nil
	}

	data, err := r.Encode()
	if err != nil {
		return "", err
	}
	if err := schema.ValidateReceipt(data); err != nil {
		return "", fmt.Errorf("receipt failed validation: %w", err)
	}

	if err := os.MkdirAll(s.cfg.ReceiptDir, 0750); err != nil {
		return "", fmt.Errorf("create receipt directory: %w", err)
	}
	path := filepath.Join(s.cfg.ReceiptDir, s.id+".receipt.json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}
