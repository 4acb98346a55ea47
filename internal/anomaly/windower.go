package anomaly

import (
	"time"

	"ghostd/internal/event"
)

// laneRecord pairs a metric record with its stream offset.
type laneRecord struct {
	offset uint64
	rec    event.MetricRecord
}

// windower buckets one lane's records into fixed-size, overlapping,
// time-aligned windows. Buckets advance by hop; with hop < bucket a record
// contributes to multiple windows.
type windower struct {
	lane     event.Device
	bucketNs int64
	hopNs    int64

	pending   []laneRecord
	nextStart int64
	started   bool
}

func newWindower(lane event.Device, bucket, hop time.Duration) *windower {
	if hop <= 0 || hop > bucket {
		hop = bucket
	}
	return &windower{
		lane:     lane,
		bucketNs: bucket.Nanoseconds(),
		hopNs:    hop.Nanoseconds(),
	}
}

// add ingests one record and returns any windows it completed.
func (w *windower) add(offset uint64, rec event.MetricRecord) []Window {
	ts := rec.Sample.TimestampNs

	if !w.started {
		w.nextStart = ts
		w.started = true
	}

	var out []Window
	// A record at ts closes every window ending at or before ts.
	for ts >= w.nextStart+w.bucketNs {
		if win, ok := w.cut(w.nextStart, w.nextStart+w.bucketNs); ok {
			out = append(out, win)
		}
		w.nextStart += w.hopNs
	}

	w.pending = append(w.pending, laneRecord{offset: offset, rec: rec})
	w.trim()
	return out
}

// flush closes the final partial window at session end.
func (w *windower) flush() (Window, bool) {
	if !w.started {
		return Window{}, false
	}
	return w.cut(w.nextStart, w.nextStart+w.bucketNs)
}

// cut materializes the window covering [startNs, endNs).
func (w *windower) cut(startNs, endNs int64) (Window, bool) {
	var records []event.MetricRecord
	var firstOffset, lastOffset uint64
	var firstNs, lastNs int64

	for _, lr := range w.pending {
		ts := lr.rec.Sample.TimestampNs
		if ts < startNs || ts >= endNs {
			continue
		}
		if records == nil {
			firstOffset, firstNs = lr.offset, ts
		}
		lastOffset, lastNs = lr.offset, ts
		records = append(records, lr.rec)
	}

	if records == nil {
		return Window{}, false
	}

	return Window{
		Lane: w.lane,
		Ref: event.WindowRef{
			StartOffset: firstOffset,
			EndOffset:   lastOffset,
			StartNs:     firstNs,
			EndNs:       lastNs,
		},
		Records: records,
	}, true
}

// trim discards records older than the earliest open window.
func (w *windower) trim() {
	cut := 0
	for cut < len(w.pending) && w.pending[cut].rec.Sample.TimestampNs < w.nextStart {
		cut++
	}
	if cut > 0 {
		w.pending = append(w.pending[:0], w.pending[cut:]...)
	}
}
