// Package network carries per-camera detection batches from the wire into
// the fusion pipeline: a UDP listener, a pcap replayer and a synthetic
// generator all feed a Router that owns one bounded queue per calibrated
// device.
package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

// DefaultQueueDepth is the per-device queue capacity when none is set.
const DefaultQueueDepth = 64

// Submitter accepts decoded batches. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(batch fusion.CameraBatch) error
}

// Dispatcher hands a decoded batch on without blocking.
type Dispatcher interface {
	Dispatch(batch fusion.CameraBatch) bool
}

// RouterConfig contains configuration for Router.
type RouterConfig struct {
	Extrinsics *calibration.Table
	Submitter  Submitter
	// QueueDepth is the per-device capacity in batches.
	QueueDepth int
	// Metrics is optional.
	Metrics *monitoring.FusionMetrics
}

// Router fans incoming batches out to one queue per calibrated device, each
// drained by its own goroutine. The queue table is built once from the
// calibration table and never changes, so lookups take no lock.
type Router struct {
	queues    map[string]chan fusion.CameraBatch
	submitter Submitter
	metrics   *monitoring.FusionMetrics

	dispatched   atomic.Uint64
	queueFull    atomic.Uint64
	uncalibrated atomic.Uint64
	submitErrs   atomic.Uint64
}

// NewRouter builds the per-device queue table.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Extrinsics == nil || cfg.Extrinsics.Len() == 0 {
		return nil, calibration.ErrNoCalibratedDevices
	}
	if cfg.Submitter == nil {
		return nil, errors.New("router requires a submitter")
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	r := &Router{
		queues:    make(map[string]chan fusion.CameraBatch, cfg.Extrinsics.Len()),
		submitter: cfg.Submitter,
		metrics:   cfg.Metrics,
	}
	for _, ext := range cfg.Extrinsics.Devices() {
		r.queues[ext.DeviceID] = make(chan fusion.CameraBatch, depth)
	}
	return r, nil
}

// Dispatch enqueues batch on its device's queue and reports whether it was
// accepted. It never blocks: a full queue drops the batch. Batches from
// devices with no queue go straight to the submitter, which rejects them.
func (r *Router) Dispatch(batch fusion.CameraBatch) bool {
	q, ok := r.queues[batch.DeviceID]
	if !ok {
		r.uncalibrated.Add(1)
		_ = r.submitter.Submit(batch)
		return false
	}

	select {
	case q <- batch:
		r.dispatched.Add(1)
		return true
	default:
		n := r.queueFull.Add(1)
		r.metrics.AddDropped(monitoring.DropQueueFull, max(len(batch.Detections), 1))
		if n == 1 || n%1000 == 0 {
			monitoring.Logf("[router] queue full for device %s, dropped batch at %d (total dropped: %d)",
				batch.DeviceID, batch.TimestampMs, n)
		}
		return false
	}
}

// Run starts one producer goroutine per device and blocks until ctx is
// cancelled and every producer has returned. Queued batches left at
// shutdown are discarded.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range r.queues {
		wg.Add(1)
		go func(q <-chan fusion.CameraBatch) {
			defer wg.Done()
			r.drain(ctx, q)
		}(q)
	}
	monitoring.Logf("[router] started %d device producers", len(r.queues))
	wg.Wait()
	return nil
}

func (r *Router) drain(ctx context.Context, q <-chan fusion.CameraBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-q:
			if err := r.submitter.Submit(batch); err != nil {
				r.submitErrs.Add(1)
			}
		}
	}
}

// RouterStats contains router statistics.
type RouterStats struct {
	Dispatched   uint64         `json:"dispatched"`
	QueueFull    uint64         `json:"queue_full"`
	Uncalibrated uint64         `json:"uncalibrated"`
	SubmitErrors uint64         `json:"submit_errors"`
	QueueDepths  map[string]int `json:"queue_depths"`
}

// Stats returns current router statistics.
func (r *Router) Stats() RouterStats {
	depths := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		depths[id] = len(q)
	}
	return RouterStats{
		Dispatched:   r.dispatched.Load(),
		QueueFull:    r.queueFull.Load(),
		Uncalibrated: r.uncalibrated.Load(),
		SubmitErrors: r.submitErrs.Load(),
		QueueDepths:  depths,
	}
}

// Devices returns the routed device ids in sorted order.
func (r *Router) Devices() []string {
	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
