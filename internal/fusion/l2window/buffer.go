// Package l2window buffers world detections by capture timestamp and decides
// when a window of near-simultaneous timestamps is complete.
package l2window

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

// Window is one flushed block of timestamps and the detections merged from
// their buckets, in timestamp order.
type Window struct {
	StartMs    int64
	EndMs      int64
	Timestamps []int64
	Detections []*fusion.WorldDetection
}

// BufferConfig configures a Buffer.
type BufferConfig struct {
	// TimeoutMs is how far the newest seen timestamp must be ahead of the
	// oldest pending one before the oldest is flushed.
	TimeoutMs int64
	// TimeWindowMs is the span after the window start whose timestamps are
	// merged into the same window. Must be shorter than TimeoutMs.
	TimeWindowMs int64
	// Metrics is optional.
	Metrics *monitoring.FusionMetrics
}

// Buffer maps capture timestamps to buckets of detections. All mutations
// happen under one mutex; Pending and LatestSeen are lock-free best-effort
// reads for presentation.
type Buffer struct {
	timeoutMs int64
	windowMs  int64
	metrics   *monitoring.FusionMetrics

	mu             sync.Mutex
	buckets        map[int64][]*fusion.WorldDetection
	pending        []int64 // strictly increasing
	latestSeen     int64
	seenAny        bool
	flushedThrough int64
	flushedAny     bool

	pendingCount atomic.Int64
	latestCopy   atomic.Int64
	lateDropped  atomic.Int64
}

// NewBuffer creates an empty Buffer.
func NewBuffer(cfg BufferConfig) *Buffer {
	return &Buffer{
		timeoutMs: cfg.TimeoutMs,
		windowMs:  cfg.TimeWindowMs,
		metrics:   cfg.Metrics,
		buckets:   make(map[int64][]*fusion.WorldDetection),
	}
}

// Ingest appends dets to the bucket for timestampMs. An empty dets still
// registers the timestamp, which advances the latest seen timestamp.
//
// A timestamp at or before the end of the last flushed window is late: the
// batch is dropped and Ingest returns false, so a flushed timestamp is never
// revisited.
func (b *Buffer) Ingest(cameraID int, timestampMs int64, dets []*fusion.WorldDetection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushedAny && timestampMs <= b.flushedThrough {
		b.lateDropped.Add(1)
		b.metrics.AddDropped(monitoring.DropLate, max(len(dets), 1))
		return false
	}

	bucket, exists := b.buckets[timestampMs]
	if !exists {
		i := sort.Search(len(b.pending), func(i int) bool { return b.pending[i] >= timestampMs })
		b.pending = append(b.pending, 0)
		copy(b.pending[i+1:], b.pending[i:])
		b.pending[i] = timestampMs
		b.pendingCount.Store(int64(len(b.pending)))
		b.metrics.SetPending(len(b.pending))
	}
	b.buckets[timestampMs] = append(bucket, dets...)

	if !b.seenAny || timestampMs > b.latestSeen {
		b.latestSeen = timestampMs
		b.seenAny = true
		b.latestCopy.Store(timestampMs)
	}

	b.metrics.AddIngested(cameraID, len(dets))
	return true
}

// MaybeFlush pops at most one window. If the newest seen timestamp is more
// than TimeoutMs ahead of the oldest pending one, the oldest becomes the
// window start and every pending timestamp up to start+TimeWindowMs is
// removed and merged. The window is returned even when it holds zero
// detections; callers decide whether an empty window produces output.
func (b *Buffer) MaybeFlush() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 || b.latestSeen-b.pending[0] <= b.timeoutMs {
		return Window{}, false
	}

	start := b.pending[0]
	end := start + b.windowMs
	n := sort.Search(len(b.pending), func(i int) bool { return b.pending[i] > end })

	w := Window{
		StartMs:    start,
		EndMs:      end,
		Timestamps: make([]int64, n),
	}
	copy(w.Timestamps, b.pending[:n])
	for _, ts := range w.Timestamps {
		w.Detections = append(w.Detections, b.buckets[ts]...)
		delete(b.buckets, ts)
	}

	b.pending = append(b.pending[:0], b.pending[n:]...)
	b.flushedThrough = end
	b.flushedAny = true
	b.pendingCount.Store(int64(len(b.pending)))
	b.metrics.SetPending(len(b.pending))

	return w, true
}

// Pending returns the number of buffered timestamps.
func (b *Buffer) Pending() int {
	return int(b.pendingCount.Load())
}

// LatestSeen returns the newest timestamp ingested from any device.
func (b *Buffer) LatestSeen() int64 {
	return b.latestCopy.Load()
}

// LateDropped returns how many batches were rejected as late.
func (b *Buffer) LateDropped() int64 {
	return b.lateDropped.Load()
}

// Reset discards every buffered detection. Used on shutdown and by tests.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = make(map[int64][]*fusion.WorldDetection)
	b.pending = nil
	b.pendingCount.Store(0)
	b.metrics.SetPending(0)
}
