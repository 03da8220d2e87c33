package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PoseQuality represents the assessed quality of a camera calibration.
type PoseQuality string

const (
	// PoseQualityExcellent indicates RMSE < 0.02m
	PoseQualityExcellent PoseQuality = "excellent"
	// PoseQualityGood indicates RMSE 0.02-0.08m
	PoseQualityGood PoseQuality = "good"
	// PoseQualityFair indicates RMSE 0.08-0.20m, fusion radius should be widened
	PoseQualityFair PoseQuality = "fair"
	// PoseQualityPoor indicates RMSE > 0.20m - cross-camera matches will be unreliable
	PoseQualityPoor PoseQuality = "poor"
	// PoseQualityUnknown indicates the calibration did not report an RMSE
	PoseQualityUnknown PoseQuality = "unknown"
)

// Calibration RMSE thresholds (meters). Depth cameras are calibrated at
// shorter range than the LiDAR rigs these bands were first tuned on, so the
// bands are tighter.
const (
	RMSEThresholdExcellent = 0.02
	RMSEThresholdGood      = 0.08
	RMSEThresholdFair      = 0.20
	// MatrixValidationTolerance is the tolerance for checking rotation matrix validity
	MatrixValidationTolerance = 0.01
)

// AssessQuality maps a calibration RMSE onto a PoseQuality band.
func AssessQuality(rmseMeters float64) PoseQuality {
	switch {
	case rmseMeters == 0:
		return PoseQualityUnknown
	case rmseMeters < RMSEThresholdExcellent:
		return PoseQualityExcellent
	case rmseMeters < RMSEThresholdGood:
		return PoseQualityGood
	case rmseMeters < RMSEThresholdFair:
		return PoseQualityFair
	default:
		return PoseQualityPoor
	}
}

// IsRigidTransform reports whether a row-major 4x4 matrix is a proper rigid
// transform: rotation block with determinant ≈ 1 and last row [0 0 0 1].
func IsRigidTransform(T [16]float64) bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	rot := mat.NewDense(3, 3, []float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	})
	if math.Abs(mat.Det(rot)-1.0) > MatrixValidationTolerance {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}

	return true
}

// String returns a human-readable description of the pose quality.
func (q PoseQuality) String() string {
	switch q {
	case PoseQualityExcellent:
		return "excellent (RMSE < 0.02m)"
	case PoseQualityGood:
		return "good (RMSE 0.02-0.08m)"
	case PoseQualityFair:
		return "fair (RMSE 0.08-0.20m)"
	case PoseQualityPoor:
		return "poor (RMSE > 0.20m)"
	case PoseQualityUnknown:
		return "unknown (RMSE not reported)"
	default:
		return string(q)
	}
}
