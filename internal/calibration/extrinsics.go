// Package calibration holds the per-device camera-to-world extrinsics that
// are loaded once at startup and read without locking for the rest of the
// session.
package calibration

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

var (
	// ErrNoCalibratedDevices is returned when the extrinsics table is empty.
	// Fusion has no world frame without at least one calibrated device.
	ErrNoCalibratedDevices = errors.New("no calibrated devices in extrinsics table")
	// ErrInvalidTransform is returned for a camera-to-world matrix that is
	// not a proper rigid transform.
	ErrInvalidTransform = errors.New("camera-to-world transform is not rigid")
)

// Extrinsics is the calibration record for one camera.
type Extrinsics struct {
	DeviceID      string
	FriendlyID    int
	CameraToWorld [16]float64 // row-major
	RMSEMeters    float64
	Quality       PoseQuality

	m *mat.Dense
}

// ToWorld transforms a point from the camera frame into the world frame.
func (e *Extrinsics) ToWorld(local r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(e.m, mat.NewVecDense(4, []float64{local.X, local.Y, local.Z, 1}))
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Table maps device ids to their extrinsics. It is immutable after
// NewTable returns.
type Table struct {
	byDevice map[string]*Extrinsics
	ordered  []*Extrinsics
}

// NewTable validates entries and builds a read-only extrinsics table.
// Device ids and friendly ids must be unique and friendly ids positive.
func NewTable(entries []Extrinsics) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrNoCalibratedDevices
	}

	t := &Table{byDevice: make(map[string]*Extrinsics, len(entries))}
	friendly := make(map[int]string, len(entries))

	for i := range entries {
		e := entries[i]
		if e.DeviceID == "" {
			return nil, fmt.Errorf("entry %d: device id is empty", i)
		}
		if e.FriendlyID <= 0 {
			return nil, fmt.Errorf("device %s: friendly id must be positive, got %d", e.DeviceID, e.FriendlyID)
		}
		if _, dup := t.byDevice[e.DeviceID]; dup {
			return nil, fmt.Errorf("device %s: duplicate device id", e.DeviceID)
		}
		if other, dup := friendly[e.FriendlyID]; dup {
			return nil, fmt.Errorf("device %s: friendly id %d already used by %s", e.DeviceID, e.FriendlyID, other)
		}
		if !IsRigidTransform(e.CameraToWorld) {
			return nil, fmt.Errorf("device %s: %w", e.DeviceID, ErrInvalidTransform)
		}

		e.Quality = AssessQuality(e.RMSEMeters)
		if e.Quality == PoseQualityPoor {
			monitoring.Logf("[calibration] device %s (cam %d) calibration quality is %s; cross-camera matches may be unreliable",
				e.DeviceID, e.FriendlyID, e.Quality)
		}
		e.m = mat.NewDense(4, 4, append([]float64(nil), e.CameraToWorld[:]...))

		friendly[e.FriendlyID] = e.DeviceID
		t.byDevice[e.DeviceID] = &e
		t.ordered = append(t.ordered, &e)
	}

	sort.Slice(t.ordered, func(i, j int) bool {
		return t.ordered[i].FriendlyID < t.ordered[j].FriendlyID
	})
	return t, nil
}

// Lookup returns the extrinsics for deviceID.
func (t *Table) Lookup(deviceID string) (*Extrinsics, bool) {
	e, ok := t.byDevice[deviceID]
	return e, ok
}

// Devices returns all calibrated devices ordered by friendly id.
func (t *Table) Devices() []*Extrinsics {
	return t.ordered
}

// Len returns the number of calibrated devices.
func (t *Table) Len() int {
	return len(t.ordered)
}
