package fusion

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// RawDetection is one detection as reported by a camera in its own frame.
// A zero LocalPosition.Z marks an invalid depth reading.
type RawDetection struct {
	Label         string     `json:"label"`
	Confidence    float64    `json:"confidence"`
	LocalPosition [3]float64 `json:"local_position"`
}

// CameraBatch is the per-camera input record: every detection a device
// reported for one capture timestamp.
type CameraBatch struct {
	DeviceID    string         `json:"device_id"`
	TimestampMs int64          `json:"timestamp_ms"`
	Detections  []RawDetection `json:"detections"`
}

// WorldDetection is a detection expressed in the shared world frame.
// It is created once at ingestion and never modified afterwards.
type WorldDetection struct {
	Label      string
	Position   r3.Vec // meters, world frame
	CameraID   int    // friendly id of the source camera
	Confidence float64
}

// DistanceTo returns the Euclidean world distance between two detections.
func (d *WorldDetection) DistanceTo(o *WorldDetection) float64 {
	return r3.Norm(r3.Sub(d.Position, o.Position))
}

func (d *WorldDetection) String() string {
	return fmt.Sprintf("%s@cam%d(%.3f,%.3f,%.3f conf=%.2f)",
		d.Label, d.CameraID, d.Position.X, d.Position.Y, d.Position.Z, d.Confidence)
}

// DetectionGroup is a set of detections believed to be one physical object.
type DetectionGroup []*WorldDetection

// Size returns the number of detections in the group.
func (g DetectionGroup) Size() int { return len(g) }

// Label returns the label shared by the group, or "" for an empty group.
func (g DetectionGroup) Label() string {
	if len(g) == 0 {
		return ""
	}
	return g[0].Label
}

// FusedDetection is the wire representation of one detection in a fused
// group.
type FusedDetection struct {
	Label            string     `json:"label"`
	WorldPosition    [3]float64 `json:"world_position"`
	CameraFriendlyID int        `json:"camera_friendly_id"`
	Confidence       float64    `json:"confidence"`
}

// FusedFrame is the single output message for one flushed window.
type FusedFrame struct {
	ID          string             `json:"id"`
	TimestampMs int64              `json:"timestamp_ms"`
	Groups      [][]FusedDetection `json:"groups"`
}

// DetectionCount returns the total number of detections across all groups.
func (f *FusedFrame) DetectionCount() int {
	n := 0
	for _, g := range f.Groups {
		n += len(g)
	}
	return n
}

// NewFusedDetection converts a world detection into its wire form.
func NewFusedDetection(d *WorldDetection) FusedDetection {
	return FusedDetection{
		Label:            d.Label,
		WorldPosition:    [3]float64{d.Position.X, d.Position.Y, d.Position.Z},
		CameraFriendlyID: d.CameraID,
		Confidence:       d.Confidence,
	}
}
