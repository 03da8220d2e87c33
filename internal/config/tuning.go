package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical fusion tuning defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

// TuningConfig represents the root configuration for fusion parameters.
// Fields omitted from the JSON keep their defaults via the Get* methods.
type TuningConfig struct {
	// Camera cadence; frame period, timeout and time window derive from it.
	FPS *float64 `json:"fps,omitempty"`

	// Fusion radius in meters.
	DistanceThresholdM *float64 `json:"distance_threshold_m,omitempty"`

	// Allow-list of labels to fuse. Empty fuses every label.
	LabelFilter []string `json:"label_filter,omitempty"`

	// Window params, in multiples of the frame period.
	TimeoutFrames *float64 `json:"timeout_frames,omitempty"`
	WindowFrames  *float64 `json:"window_frames,omitempty"`

	// Flush cadence is frame_period / flush_divisor.
	FlushDivisor *int `json:"flush_divisor,omitempty"`

	// Per-device input queue capacity (batches).
	QueueDepth *int `json:"queue_depth,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultTuningConfig returns a TuningConfig with every field set to its default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		FPS:                ptrFloat64(30),
		DistanceThresholdM: ptrFloat64(0.5),
		LabelFilter:        []string{},
		TimeoutFrames:      ptrFloat64(1.5),
		WindowFrames:       ptrFloat64(0.5),
		FlushDivisor:       ptrInt(4),
		QueueDepth:         ptrInt(64),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %f", *c.FPS)
	}
	if c.DistanceThresholdM != nil && *c.DistanceThresholdM <= 0 {
		return fmt.Errorf("distance_threshold_m must be positive, got %f", *c.DistanceThresholdM)
	}
	if c.TimeoutFrames != nil && *c.TimeoutFrames < 1 {
		return fmt.Errorf("timeout_frames must be at least one frame, got %f", *c.TimeoutFrames)
	}
	if c.WindowFrames != nil && *c.WindowFrames < 0 {
		return fmt.Errorf("window_frames must be non-negative, got %f", *c.WindowFrames)
	}
	if c.GetWindowFrames() >= c.GetTimeoutFrames() {
		return fmt.Errorf("window_frames (%f) must be shorter than timeout_frames (%f)",
			c.GetWindowFrames(), c.GetTimeoutFrames())
	}
	if c.FlushDivisor != nil && *c.FlushDivisor < 1 {
		return fmt.Errorf("flush_divisor must be at least 1, got %d", *c.FlushDivisor)
	}
	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", *c.QueueDepth)
	}
	for i, l := range c.LabelFilter {
		if l == "" {
			return fmt.Errorf("label_filter[%d] is empty", i)
		}
	}
	return nil
}

// GetFPS returns the fps value or the default.
func (c *TuningConfig) GetFPS() float64 {
	if c.FPS == nil {
		return 30
	}
	return *c.FPS
}

// GetDistanceThreshold returns the distance_threshold_m value or the default.
func (c *TuningConfig) GetDistanceThreshold() float64 {
	if c.DistanceThresholdM == nil {
		return 0.5
	}
	return *c.DistanceThresholdM
}

// GetLabelFilter returns the label allow-list. Nil or empty means fuse all labels.
func (c *TuningConfig) GetLabelFilter() []string {
	return c.LabelFilter
}

// GetTimeoutFrames returns the timeout_frames value or the default.
func (c *TuningConfig) GetTimeoutFrames() float64 {
	if c.TimeoutFrames == nil {
		return 1.5
	}
	return *c.TimeoutFrames
}

// GetWindowFrames returns the window_frames value or the default.
func (c *TuningConfig) GetWindowFrames() float64 {
	if c.WindowFrames == nil {
		return 0.5
	}
	return *c.WindowFrames
}

// GetFlushDivisor returns the flush_divisor value or the default.
func (c *TuningConfig) GetFlushDivisor() int {
	if c.FlushDivisor == nil {
		return 4
	}
	return *c.FlushDivisor
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *TuningConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 64
	}
	return *c.QueueDepth
}

// FramePeriodMs returns one frame period in milliseconds.
func (c *TuningConfig) FramePeriodMs() float64 {
	return 1000.0 / c.GetFPS()
}

// TimeoutMs returns how long, in device milliseconds, the oldest pending
// timestamp may lag the newest before its window is flushed.
func (c *TuningConfig) TimeoutMs() int64 {
	return int64(c.GetTimeoutFrames() * c.FramePeriodMs())
}

// TimeWindowMs returns the span, in device milliseconds, of timestamps
// merged into one flushed window.
func (c *TuningConfig) TimeWindowMs() int64 {
	return int64(c.GetWindowFrames() * c.FramePeriodMs())
}

// FlushInterval returns the wall-clock cadence of the flush scheduler.
func (c *TuningConfig) FlushInterval() time.Duration {
	period := time.Duration(c.FramePeriodMs() * float64(time.Millisecond))
	d := period / time.Duration(c.GetFlushDivisor())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
