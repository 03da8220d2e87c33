package monitoring

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on fusion_detections_dropped_total.
const (
	DropSensorGhost  = "sensor_ghost"
	DropLabelFilter  = "label_filter"
	DropLate         = "late"
	DropQueueFull    = "queue_full"
	DropUncalibrated = "uncalibrated"
	DropDecode       = "decode"
)

// FusionMetrics contains all Prometheus metrics for the fusion pipeline.
// A nil *FusionMetrics is valid and records nothing.
type FusionMetrics struct {
	DetectionsIngested *prometheus.CounterVec
	DetectionsDropped  *prometheus.CounterVec
	Flushes            prometheus.Counter
	FramesEmitted      prometheus.Counter
	GroupsEmitted      prometheus.Counter
	PendingTimestamps  prometheus.Gauge
	FlushDuration      prometheus.Histogram
	WindowSize         prometheus.Histogram
}

// NewFusionMetrics creates the fusion metrics and registers them with registry.
func NewFusionMetrics(registry *prometheus.Registry) (*FusionMetrics, error) {
	m := &FusionMetrics{
		DetectionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusion_detections_ingested_total",
			Help: "World-frame detections admitted into the timestamp buffer, per camera",
		}, []string{"camera"}),
		DetectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusion_detections_dropped_total",
			Help: "Detections or batches dropped before fusion, by reason",
		}, []string{"reason"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusion_flushes_total",
			Help: "Windows popped from the timestamp buffer",
		}),
		FramesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusion_frames_emitted_total",
			Help: "Fused frames emitted to subscribers",
		}),
		GroupsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusion_groups_emitted_total",
			Help: "Fused object groups emitted to subscribers",
		}),
		PendingTimestamps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusion_pending_timestamps",
			Help: "Timestamps buffered and not yet flushed",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fusion_flush_duration_seconds",
			Help:    "Time spent clustering and pruning one window",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		WindowSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fusion_window_detections",
			Help:    "Detections merged from one flushed window",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register fusion metrics: %w", err)
	}
	return m, nil
}

// AddIngested records n detections admitted for a camera.
func (m *FusionMetrics) AddIngested(cameraID, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DetectionsIngested.WithLabelValues(strconv.Itoa(cameraID)).Add(float64(n))
}

// AddDropped records n drops for reason.
func (m *FusionMetrics) AddDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DetectionsDropped.WithLabelValues(reason).Add(float64(n))
}

// SetPending records the number of pending timestamps.
func (m *FusionMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTimestamps.Set(float64(n))
}

// ObserveFlush records one flushed window of size detections that took d
// to cluster, and whether it produced an emitted frame with groups groups.
func (m *FusionMetrics) ObserveFlush(size int, d time.Duration, emitted bool, groups int) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.WindowSize.Observe(float64(size))
	m.FlushDuration.Observe(d.Seconds())
	if emitted {
		m.FramesEmitted.Inc()
		m.GroupsEmitted.Add(float64(groups))
	}
}

// Collect implements the prometheus.Collector interface.
func (m *FusionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DetectionsIngested.Collect(ch)
	m.DetectionsDropped.Collect(ch)
	ch <- m.Flushes
	ch <- m.FramesEmitted
	ch <- m.GroupsEmitted
	ch <- m.PendingTimestamps
	ch <- m.FlushDuration
	ch <- m.WindowSize
}

// Describe implements the prometheus.Collector interface.
func (m *FusionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DetectionsIngested.Describe(ch)
	m.DetectionsDropped.Describe(ch)
	ch <- m.Flushes.Desc()
	ch <- m.FramesEmitted.Desc()
	ch <- m.GroupsEmitted.Desc()
	ch <- m.PendingTimestamps.Desc()
	ch <- m.FlushDuration.Desc()
	ch <- m.WindowSize.Desc()
}
