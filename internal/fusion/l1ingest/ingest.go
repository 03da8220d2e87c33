// Package l1ingest converts one camera's local-frame detections into
// world-frame detections using that camera's fixed extrinsics.
//
// Detections with an invalid depth reading (sensor ghosts) are dropped
// here and never reach the timestamp buffer.
package l1ingest

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

// Stats reports what one Convert call kept and dropped.
type Stats struct {
	Kept          int
	SensorGhosts  int
	LabelFiltered int
}

// Ingester converts detections for a single calibrated device. It is safe
// for concurrent use: all of its state is read-only after construction.
type Ingester struct {
	ext     *calibration.Extrinsics
	allow   map[string]struct{}
	metrics *monitoring.FusionMetrics
}

// NewIngester builds an ingester bound to ext. labelFilter is an optional
// allow-list; empty admits every label. metrics may be nil.
func NewIngester(ext *calibration.Extrinsics, labelFilter []string, metrics *monitoring.FusionMetrics) *Ingester {
	ing := &Ingester{ext: ext, metrics: metrics}
	if len(labelFilter) > 0 {
		ing.allow = make(map[string]struct{}, len(labelFilter))
		for _, l := range labelFilter {
			ing.allow[l] = struct{}{}
		}
	}
	return ing
}

// CameraID returns the friendly id of the device this ingester serves.
func (ing *Ingester) CameraID() int {
	return ing.ext.FriendlyID
}

// DeviceID returns the device id this ingester serves.
func (ing *Ingester) DeviceID() string {
	return ing.ext.DeviceID
}

// Convert transforms raw into world-frame detections. The world position of
// each detection is computed exactly once here.
func (ing *Ingester) Convert(raw []fusion.RawDetection) ([]*fusion.WorldDetection, Stats) {
	var st Stats
	out := make([]*fusion.WorldDetection, 0, len(raw))

	for _, r := range raw {
		if IsSensorGhost(r) {
			st.SensorGhosts++
			continue
		}
		if ing.allow != nil {
			if _, ok := ing.allow[r.Label]; !ok {
				st.LabelFiltered++
				continue
			}
		}

		local := r3.Vec{X: r.LocalPosition[0], Y: r.LocalPosition[1], Z: r.LocalPosition[2]}
		out = append(out, &fusion.WorldDetection{
			Label:      r.Label,
			Position:   ing.ext.ToWorld(local),
			CameraID:   ing.ext.FriendlyID,
			Confidence: clamp01(r.Confidence),
		})
	}
	st.Kept = len(out)

	ing.metrics.AddDropped(monitoring.DropSensorGhost, st.SensorGhosts)
	ing.metrics.AddDropped(monitoring.DropLabelFilter, st.LabelFiltered)
	return out, st
}

// IsSensorGhost reports whether r carries an invalid depth reading: zero
// depth, or any non-finite coordinate.
func IsSensorGhost(r fusion.RawDetection) bool {
	for _, v := range r.LocalPosition {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return r.LocalPosition[2] == 0
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
