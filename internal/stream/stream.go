// Package stream implements the in-memory event log for an active session:
// an append log with independent bounded-ring subscriber cursors. Producers
// never block on a slow consumer; a consumer that falls too far behind
// receives a gap marker and must resynchronize from the provenance chain,
// which is durable.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ghostd/internal/event"
)

// DefaultSubscriberBuffer is the per-subscriber ring size.
const DefaultSubscriberBuffer = 4096

// ErrClosed is returned by Next once the log is closed and the subscriber's
// buffer is drained.
var ErrClosed = errors.New("stream: log closed")

// GapError signals that the subscriber fell behind and records were
// overwritten. ResumeOffset is the first offset still available in the ring;
// everything before it must be recovered from the chain.
type GapError struct {
	ResumeOffset uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("stream: subscriber fell behind, resume at offset %d", e.ResumeOffset)
}

// timeWaiter is released once a metric record at or past ns lands.
type timeWaiter struct {
	ns int64
	ch chan struct{}
}

// Log is the ordered, timestamped append log for one session. Offsets are
// assigned densely from zero at append time.
type Log struct {
	mu      sync.RWMutex
	records []event.Record

	// metricIdx holds the offsets of metric records. Their capture times
	// are non-decreasing across the stream (the metric engine rejects
	// out-of-order samples), which is what makes time search valid. Flag
	// and context records carry wallclock stamps and are never searched.
	metricIdx []uint64

	waiters []timeWaiter
	subs    []*Subscriber
	closed  bool
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Append assigns the next offset to rec, retains it in the session log, and
// fans it out to all subscribers without blocking. Returns the assigned
// offset. Append on a closed log panics; the session serializes shutdown
// against the producer before closing.
func (l *Log) Append(rec event.Record) uint64 {
	off, ok := l.TryAppend(rec)
	if !ok {
		panic("stream: append after close")
	}
	return off
}

// TryAppend is Append for callers that may race shutdown, such as the
// anomaly pipeline's drain. It reports false instead of panicking once the
// log is closed. Safe for concurrent producers: offset assignment and
// fan-out happen under one lock, so every subscriber sees offsets in order.
func (l *Log) TryAppend(rec event.Record) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, false
	}
	rec.Offset = uint64(len(l.records))
	l.records = append(l.records, rec)
	if rec.Kind == event.KindMetric {
		l.metricIdx = append(l.metricIdx, rec.Offset)
		l.wake(rec.TimestampNs())
	}
	// push never blocks, so holding the log lock across fan-out keeps the
	// producer path non-blocking while ruling out reordered delivery.
	for _, s := range l.subs {
		s.push(rec)
	}
	return rec.Offset, true
}

// wake releases waiters whose capture time has been reached.
func (l *Log) wake(ns int64) {
	if len(l.waiters) == 0 {
		return
	}
	kept := l.waiters[:0]
	for _, w := range l.waiters {
		if w.ns <= ns {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	l.waiters = kept
}

// TimeReached returns a channel that is closed once a metric record with
// capture time >= ns has been appended. It is closed immediately when such
// a record already exists, or when the log is closed; the clip controller
// uses this to pace post windows on stream progress instead of wallclock.
func (l *Log) TimeReached(ns int64) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	n := len(l.metricIdx)
	if l.closed || (n > 0 && l.records[l.metricIdx[n-1]].TimestampNs() >= ns) {
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, timeWaiter{ns: ns, ch: ch})
	return ch
}

// Subscribe registers a from-now cursor with the given ring size
// (DefaultSubscriberBuffer when n <= 0).
func (l *Log) Subscribe(n int) *Subscriber {
	return l.subscribe(nil, n)
}

// SubscribeFrom registers a cursor that first replays retained records from
// the given offset, then follows live appends.
func (l *Log) SubscribeFrom(offset uint64, n int) *Subscriber {
	return l.subscribe(&offset, n)
}

// subscribe registers a cursor under the log lock. A non-nil offset seeds
// the ring with retained records before the cursor joins live fan-out, so
// replay and live appends cannot interleave out of order.
func (l *Log) subscribe(offset *uint64, n int) *Subscriber {
	if n <= 0 {
		n = DefaultSubscriberBuffer
	}
	s := &Subscriber{
		buf:    make([]event.Record, n),
		notify: make(chan struct{}, 1),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		s.closed = true
		return s
	}
	if offset != nil {
		for i := *offset; i < uint64(len(l.records)); i++ {
			s.push(l.records[i])
		}
	}
	l.subs = append(l.subs, s)
	return s
}

// Len returns the number of records appended so far.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

// Bounds returns the inclusive offset range of the session, and false when
// the log is empty.
func (l *Log) Bounds() (start, end uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return 0, 0, false
	}
	return 0, uint64(len(l.records) - 1), true
}

// MetricBounds returns the offsets of the first and last metric records,
// and false when the log holds none.
func (l *Log) MetricBounds() (first, last uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.metricIdx) == 0 {
		return 0, 0, false
	}
	return l.metricIdx[0], l.metricIdx[len(l.metricIdx)-1], true
}

// Get returns the record at offset.
func (l *Log) Get(offset uint64) (event.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset >= uint64(len(l.records)) {
		return event.Record{}, false
	}
	return l.records[offset], true
}

// OffsetAt returns the offset of the first metric record with capture time
// >= ns, or the end of the log when every metric record is earlier. Only
// metric records are searched; flag and context records are stamped with
// wallclock time and would break the binary search.
func (l *Log) OffsetAt(ns int64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.metricIdx), func(i int) bool {
		return l.records[l.metricIdx[i]].TimestampNs() >= ns
	})
	if i == len(l.metricIdx) {
		return uint64(len(l.records))
	}
	return l.metricIdx[i]
}

// OffsetBefore returns the offset of the last metric record with capture
// time <= ns, and false when every metric record is later.
func (l *Log) OffsetBefore(ns int64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.metricIdx), func(i int) bool {
		return l.records[l.metricIdx[i]].TimestampNs() > ns
	})
	if i == 0 {
		return 0, false
	}
	return l.metricIdx[i-1], true
}

// TimestampAt returns the event time of the record at offset, or 0 when
// the offset is out of range.
func (l *Log) TimestampAt(offset uint64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset >= uint64(len(l.records)) {
		return 0
	}
	return l.records[offset].TimestampNs()
}

// Close marks the log closed. Subscribers drain their buffered records and
// then receive ErrClosed; pending time waiters are released.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, w := range l.waiters {
		close(w.ch)
	}
	l.waiters = nil
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscriber is an independent bounded cursor over the log.
type Subscriber struct {
	mu     sync.Mutex
	buf    []event.Record // ring
	head   int            // index of oldest
	count  int
	gapped bool
	resume uint64
	closed bool

	notify chan struct{}
}

// push appends a record to the ring, overwriting the oldest entry and
// raising the gap flag when full. Never blocks. The log calls push under
// its own lock, so records arrive in strict offset order.
func (s *Subscriber) push(rec event.Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.buf) {
		// Overwrite oldest; consumer must resync from the chain.
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.gapped = true
	}
	s.buf[(s.head+s.count)%len(s.buf)] = rec
	s.count++
	if s.gapped {
		s.resume = s.buf[s.head].Offset
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next record in order. It blocks until a record is
// available, the context is cancelled, or the log is closed and drained.
// When the subscriber has fallen behind, Next returns a *GapError exactly
// once; subsequent calls continue from the surviving records.
func (s *Subscriber) Next(ctx context.Context) (event.Record, error) {
	for {
		s.mu.Lock()
		if s.gapped {
			s.gapped = false
			resume := s.resume
			s.mu.Unlock()
			return event.Record{}, &GapError{ResumeOffset: resume}
		}
		if s.count > 0 {
			rec := s.buf[s.head]
			s.buf[s.head] = event.Record{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return rec, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return event.Record{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return event.Record{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of buffered records.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
