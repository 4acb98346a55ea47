// Package stream tests for the session event log.
package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/event"
)

func metricAt(ns int64) event.Record {
	return event.MetricEvent(event.MetricRecord{
		Sample: event.NewPointerSample(ns, 1, 0, 0),
	})
}

// =============================================================================
// Append and Offset Tests
// =============================================================================

func TestLog_Append_AssignsDenseOffsets(t *testing.T) {
	l := New()

	for i := 0; i < 10; i++ {
		off := l.Append(metricAt(int64(i)))
		assert.Equal(t, uint64(i), off)
	}
	assert.Equal(t, uint64(10), l.Len())

	start, end, ok := l.Bounds()
	require.True(t, ok)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(9), end)
}

func TestLog_Bounds_Empty(t *testing.T) {
	l := New()
	_, _, ok := l.Bounds()
	assert.False(t, ok)
}

func TestLog_Get(t *testing.T) {
	l := New()
	l.Append(metricAt(100))
	l.Append(metricAt(200))

	rec, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Offset)
	assert.Equal(t, int64(200), rec.TimestampNs())

	_, ok = l.Get(2)
	assert.False(t, ok)
}

func TestLog_OffsetAt_BinarySearch(t *testing.T) {
	l := New()
	for _, ns := range []int64{100, 200, 300, 400} {
		l.Append(metricAt(ns))
	}

	assert.Equal(t, uint64(0), l.OffsetAt(50))
	assert.Equal(t, uint64(1), l.OffsetAt(200))
	assert.Equal(t, uint64(2), l.OffsetAt(201))
	assert.Equal(t, uint64(4), l.OffsetAt(500)) // past the end

	off, ok := l.OffsetBefore(250)
	require.True(t, ok)
	assert.Equal(t, uint64(1), off)

	off, ok = l.OffsetBefore(400)
	require.True(t, ok)
	assert.Equal(t, uint64(3), off)

	_, ok = l.OffsetBefore(50)
	assert.False(t, ok)

	assert.Equal(t, int64(300), l.TimestampAt(2))
	assert.Equal(t, int64(0), l.TimestampAt(99))
}

func TestLog_OffsetSearchSkipsWallclockRecords(t *testing.T) {
	l := New()
	msNs := int64(time.Millisecond)

	// A thousand metrics at 1ms cadence, with a flag landing mid-stream.
	// Flag records are stamped with wallclock time, far ahead of the
	// capture clock; the search must resolve against metrics only.
	for i := 0; i < 1000; i++ {
		if i == 500 {
			l.Append(event.FlagEvent(event.Flag{
				Window:     event.WindowRef{StartNs: 400 * msNs, EndNs: 500 * msNs},
				Kind:       "snap",
				Confidence: 0.9,
				ProducedNs: time.Now().UnixNano(),
			}))
		}
		l.Append(metricAt(int64(i) * msNs))
	}

	// Metric i sits at offset i before the flag and i+1 after it.
	assert.Equal(t, uint64(501), l.OffsetAt(500*msNs))

	off, ok := l.OffsetBefore(800 * msNs)
	require.True(t, ok)
	assert.Equal(t, uint64(801), off)

	first, last, ok := l.MetricBounds()
	require.True(t, ok)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(1000), last)
}

func TestLog_MetricBounds_NoMetrics(t *testing.T) {
	l := New()
	l.Append(event.FlagEvent(event.Flag{Kind: "snap", ProducedNs: 1}))
	_, _, ok := l.MetricBounds()
	assert.False(t, ok)
}

// =============================================================================
// Time Waiter Tests
// =============================================================================

func TestLog_TimeReached(t *testing.T) {
	l := New()
	l.Append(metricAt(100))

	select {
	case <-l.TimeReached(50):
	default:
		t.Fatal("already-reached capture time must not block")
	}

	ch := l.TimeReached(300)
	select {
	case <-ch:
		t.Fatal("waiter released before the capture clock reached it")
	default:
	}

	// Wallclock-stamped records never advance the capture clock.
	l.Append(event.FlagEvent(event.Flag{Kind: "snap", ProducedNs: time.Now().UnixNano()}))
	select {
	case <-ch:
		t.Fatal("flag record advanced the capture clock")
	default:
	}

	l.Append(metricAt(300))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not released at its capture time")
	}
}

func TestLog_TimeReached_ReleasedOnClose(t *testing.T) {
	l := New()
	ch := l.TimeReached(1000)
	l.Close()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("close must release pending waiters")
	}
}

// =============================================================================
// Subscriber Tests
// =============================================================================

func TestSubscriber_ReceivesInOrder(t *testing.T) {
	l := New()
	sub := l.Subscribe(16)

	for i := 0; i < 5; i++ {
		l.Append(metricAt(int64(i * 100)))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Offset)
	}
}

func TestSubscriber_NextBlocksUntilAppend(t *testing.T) {
	l := New()
	sub := l.Subscribe(16)

	done := make(chan event.Record, 1)
	go func() {
		rec, err := sub.Next(context.Background())
		if err == nil {
			done <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	l.Append(metricAt(777))

	select {
	case rec := <-done:
		assert.Equal(t, int64(777), rec.TimestampNs())
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on append")
	}
}

func TestSubscriber_ContextCancel(t *testing.T) {
	l := New()
	sub := l.Subscribe(16)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriber_GapOnOverflow(t *testing.T) {
	l := New()
	sub := l.Subscribe(4)

	// 10 appends into a 4-slot ring: offsets 0..5 are overwritten.
	for i := 0; i < 10; i++ {
		l.Append(metricAt(int64(i)))
	}

	ctx := context.Background()
	_, err := sub.Next(ctx)
	require.Error(t, err)

	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(6), gap.ResumeOffset)

	// The gap is reported exactly once; reading continues from the
	// surviving records.
	for want := uint64(6); want < 10; want++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Offset)
	}
}

func TestSubscriber_ProducerNeverBlocks(t *testing.T) {
	l := New()
	l.Subscribe(1) // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			l.Append(metricAt(int64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a stuck subscriber")
	}
}

func TestLog_ConcurrentProducersLoseNothing(t *testing.T) {
	const producers = 8
	const perProducer = 5000

	l := New()
	sub := l.Subscribe(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				l.TryAppend(metricAt(0))
			}
		}()
	}
	wg.Wait()
	l.Close()

	// With a ring large enough to hold everything, every record must
	// arrive exactly once, in offset order, with no gap marker.
	ctx := context.Background()
	for want := uint64(0); want < producers*perProducer; want++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, rec.Offset)
	}
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeFrom_ReplaysBacklog(t *testing.T) {
	l := New()
	for i := 0; i < 6; i++ {
		l.Append(metricAt(int64(i * 100)))
	}

	sub := l.SubscribeFrom(2, 16)

	ctx := context.Background()
	for want := uint64(2); want < 6; want++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Offset)
	}

	// Live appends continue after the backlog without duplication.
	l.Append(metricAt(600))
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.Offset)
}

// =============================================================================
// Close Tests
// =============================================================================

func TestLog_Close_DrainsThenErrClosed(t *testing.T) {
	l := New()
	sub := l.Subscribe(16)

	l.Append(metricAt(1))
	l.Append(metricAt(2))
	l.Close()

	ctx := context.Background()
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Offset)

	rec, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Offset)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLog_AppendAfterClosePanics(t *testing.T) {
	l := New()
	l.Close()
	assert.Panics(t, func() { l.Append(metricAt(1)) })
}

func TestLog_TryAppendAfterClose(t *testing.T) {
	l := New()

	off, ok := l.TryAppend(metricAt(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(0), off)

	l.Close()
	_, ok = l.TryAppend(metricAt(2))
	assert.False(t, ok, "closed log refuses appends without panicking")
	assert.Equal(t, uint64(1), l.Len())
}

func TestLog_SubscribeAfterClose(t *testing.T) {
	l := New()
	l.Append(metricAt(1))
	l.Close()

	sub := l.Subscribe(4)
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
