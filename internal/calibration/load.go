package calibration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type deviceEntry struct {
	DeviceID      string    `yaml:"device_id" validate:"required"`
	FriendlyID    int       `yaml:"friendly_id" validate:"gt=0"`
	CameraToWorld []float64 `yaml:"camera_to_world" validate:"len=16"`
	RMSEMeters    float64   `yaml:"rmse_m" validate:"gte=0"`
}

type calibrationFile struct {
	Devices []deviceEntry `yaml:"devices" validate:"dive"`
}

// LoadFile reads a calibration YAML file and builds the extrinsics table.
//
//	devices:
//	  - device_id: 18443010C1E4681200
//	    friendly_id: 1
//	    camera_to_world: [1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,0,1]
//	    rmse_m: 0.015
func LoadFile(path string) (*Table, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("calibration file must have .yaml extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return Parse(data)
}

// Parse decodes calibration YAML and builds the extrinsics table.
func Parse(data []byte) (*Table, error) {
	var f calibrationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse calibration YAML: %w", err)
	}

	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}

	entries := make([]Extrinsics, 0, len(f.Devices))
	for _, d := range f.Devices {
		e := Extrinsics{
			DeviceID:   d.DeviceID,
			FriendlyID: d.FriendlyID,
			RMSEMeters: d.RMSEMeters,
		}
		copy(e.CameraToWorld[:], d.CameraToWorld)
		entries = append(entries, e)
	}
	return NewTable(entries)
}
