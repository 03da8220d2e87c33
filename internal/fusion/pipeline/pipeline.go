// Package pipeline wires the fusion layers together: per-device ingestion
// into the shared timestamp buffer, and the periodic flush that clusters,
// prunes and emits one frame per window.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/config"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/fusion/l1ingest"
	"github.com/banshee-data/camera-fusion/internal/fusion/l2window"
	"github.com/banshee-data/camera-fusion/internal/fusion/l3cluster"
	"github.com/banshee-data/camera-fusion/internal/fusion/l4emit"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
	"github.com/banshee-data/camera-fusion/internal/timeutil"
)

var (
	// ErrUnknownDevice is returned by Submit for a device with no
	// extrinsics entry. Its detections are never admitted.
	ErrUnknownDevice = errors.New("device has no calibration entry")
	// ErrLateBatch is returned by Submit for a batch whose timestamp was
	// already flushed.
	ErrLateBatch = errors.New("batch timestamp already flushed")
)

// Config holds the collaborators of a Pipeline.
type Config struct {
	Extrinsics *calibration.Table
	// Tuning is optional; nil uses config.DefaultTuningConfig().
	Tuning *config.TuningConfig
	// Publisher receives every emitted frame. Optional.
	Publisher *l4emit.Publisher
	// Metrics is optional.
	Metrics *monitoring.FusionMetrics
	// Clock is optional; if nil, uses timeutil.RealClock.
	Clock timeutil.Clock
	// NewFrameID is optional; nil uses random UUIDs.
	NewFrameID l4emit.IDFunc
}

// Stats is a point-in-time summary of pipeline activity.
type Stats struct {
	BatchesAccepted     uint64 `json:"batches_accepted"`
	BatchesUncalibrated uint64 `json:"batches_uncalibrated"`
	BatchesLate         uint64 `json:"batches_late"`
	SensorGhosts        uint64 `json:"sensor_ghosts"`
	LabelFiltered       uint64 `json:"label_filtered"`
	WindowsFlushed      uint64 `json:"windows_flushed"`
	FramesEmitted       uint64 `json:"frames_emitted"`
	PendingTimestamps   int    `json:"pending_timestamps"`
	LatestSeenMs        int64  `json:"latest_seen_ms"`
}

// Pipeline is the fusion core. Submit may be called from any number of
// producer goroutines; flushing is serialized.
type Pipeline struct {
	table     *calibration.Table
	ingesters map[string]*l1ingest.Ingester
	buffer    *l2window.Buffer
	flusher   *l2window.Flusher
	packager  *l4emit.Packager
	publisher *l4emit.Publisher
	metrics   *monitoring.FusionMetrics
	clock     timeutil.Clock
	threshold float64

	flushMu sync.Mutex
	latest  atomic.Pointer[fusion.FusedFrame]

	accepted      atomic.Uint64
	uncalibrated  atomic.Uint64
	late          atomic.Uint64
	ghosts        atomic.Uint64
	labelFiltered atomic.Uint64
	windows       atomic.Uint64
	frames        atomic.Uint64
}

// New builds a Pipeline with one ingester per calibrated device.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Extrinsics == nil || cfg.Extrinsics.Len() == 0 {
		return nil, calibration.ErrNoCalibratedDevices
	}
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = config.DefaultTuningConfig()
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning config: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		table:     cfg.Extrinsics,
		ingesters: make(map[string]*l1ingest.Ingester, cfg.Extrinsics.Len()),
		buffer: l2window.NewBuffer(l2window.BufferConfig{
			TimeoutMs:    tuning.TimeoutMs(),
			TimeWindowMs: tuning.TimeWindowMs(),
			Metrics:      cfg.Metrics,
		}),
		packager:  l4emit.NewPackager(cfg.NewFrameID),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     clock,
		threshold: tuning.GetDistanceThreshold(),
	}
	for _, ext := range cfg.Extrinsics.Devices() {
		p.ingesters[ext.DeviceID] = l1ingest.NewIngester(ext, tuning.GetLabelFilter(), cfg.Metrics)
	}
	p.flusher = l2window.NewFlusher(l2window.FlusherConfig{
		Flush: func() bool {
			_, ok := p.FlushOnce()
			return ok
		},
		Interval: tuning.FlushInterval(),
		Clock:    clock,
	})

	diagf("pipeline ready: devices=%d threshold=%.2fm timeout=%dms window=%dms flush=%v",
		cfg.Extrinsics.Len(), p.threshold, tuning.TimeoutMs(), tuning.TimeWindowMs(), tuning.FlushInterval())
	return p, nil
}

// Submit converts one camera batch to world frame and buffers it. It never
// blocks on flushing beyond the buffer's critical section.
func (p *Pipeline) Submit(batch fusion.CameraBatch) error {
	ing, ok := p.ingesters[batch.DeviceID]
	if !ok {
		p.uncalibrated.Add(1)
		p.metrics.AddDropped(monitoring.DropUncalibrated, max(len(batch.Detections), 1))
		monitoring.LogOnce("uncalibrated:"+batch.DeviceID,
			"[fusion] ignoring detections from uncalibrated device %q", batch.DeviceID)
		return fmt.Errorf("%w: %s", ErrUnknownDevice, batch.DeviceID)
	}

	dets, st := ing.Convert(batch.Detections)
	p.ghosts.Add(uint64(st.SensorGhosts))
	p.labelFiltered.Add(uint64(st.LabelFiltered))

	if !p.buffer.Ingest(ing.CameraID(), batch.TimestampMs, dets) {
		p.late.Add(1)
		tracef("late batch from %s at %d dropped", batch.DeviceID, batch.TimestampMs)
		return fmt.Errorf("%w: %s at %d", ErrLateBatch, batch.DeviceID, batch.TimestampMs)
	}
	p.accepted.Add(1)
	return nil
}

// FlushOnce runs one flush cycle. It returns the emitted frame, which is nil
// when no window was due or the window held no detections, and whether a
// window was popped.
func (p *Pipeline) FlushOnce() (*fusion.FusedFrame, bool) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	w, ok := p.buffer.MaybeFlush()
	if !ok {
		return nil, false
	}
	p.windows.Add(1)

	started := p.clock.Now()
	groups := l3cluster.Fuse(w.Detections, p.threshold)
	frame := p.packager.Package(w.StartMs, groups)
	p.metrics.ObserveFlush(len(w.Detections), p.clock.Now().Sub(started), frame != nil, len(groups))

	if frame == nil {
		tracef("window %d..%d empty (%d timestamps)", w.StartMs, w.EndMs, len(w.Timestamps))
		return nil, true
	}

	p.frames.Add(1)
	p.latest.Store(frame)
	if p.publisher != nil {
		p.publisher.Publish(frame)
	}
	tracef("window %d..%d: timestamps=%d detections=%d groups=%d",
		w.StartMs, w.EndMs, len(w.Timestamps), len(w.Detections), len(groups))
	return frame, true
}

// Run drives FlushOnce on the flush cadence until ctx is cancelled or Stop
// is called. Unflushed detections are discarded on return.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.flusher.IsRunning() {
		return nil
	}
	err := p.flusher.Run(ctx)
	if n := p.buffer.Pending(); n > 0 {
		opsf("discarding %d unflushed timestamps on shutdown", n)
	}
	p.buffer.Reset()
	return err
}

// Stop stops a running Run loop and waits for it to return.
func (p *Pipeline) Stop() {
	p.flusher.Stop()
}

// IsRunning reports whether the flush loop is active.
func (p *Pipeline) IsRunning() bool {
	return p.flusher.IsRunning()
}

// Latest returns the most recently emitted frame, or nil.
func (p *Pipeline) Latest() *fusion.FusedFrame {
	return p.latest.Load()
}

// Extrinsics returns the calibration table the pipeline was built with.
func (p *Pipeline) Extrinsics() *calibration.Table {
	return p.table
}

// Stats returns current pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		BatchesAccepted:     p.accepted.Load(),
		BatchesUncalibrated: p.uncalibrated.Load(),
		BatchesLate:         p.late.Load(),
		SensorGhosts:        p.ghosts.Load(),
		LabelFiltered:       p.labelFiltered.Load(),
		WindowsFlushed:      p.windows.Load(),
		FramesEmitted:       p.frames.Load(),
		PendingTimestamps:   p.buffer.Pending(),
		LatestSeenMs:        p.buffer.LatestSeen(),
	}
}
