package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if cfg.FPS == nil || *cfg.FPS != 30 {
		t.Errorf("Expected FPS 30, got %v", cfg.FPS)
	}
	if cfg.DistanceThresholdM == nil || *cfg.DistanceThresholdM != 0.5 {
		t.Errorf("Expected DistanceThresholdM 0.5, got %v", cfg.DistanceThresholdM)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := &TuningConfig{}

	if cfg.GetFPS() != 30 {
		t.Errorf("GetFPS() = %f, want 30", cfg.GetFPS())
	}
	if cfg.GetDistanceThreshold() != 0.5 {
		t.Errorf("GetDistanceThreshold() = %f, want 0.5", cfg.GetDistanceThreshold())
	}
	if len(cfg.GetLabelFilter()) != 0 {
		t.Errorf("GetLabelFilter() = %v, want empty", cfg.GetLabelFilter())
	}
	if cfg.GetFlushDivisor() != 4 {
		t.Errorf("GetFlushDivisor() = %d, want 4", cfg.GetFlushDivisor())
	}
	if cfg.GetQueueDepth() != 64 {
		t.Errorf("GetQueueDepth() = %d, want 64", cfg.GetQueueDepth())
	}
}

func TestDerivedDurations(t *testing.T) {
	cfg := &TuningConfig{FPS: ptrFloat64(10)}

	if got := cfg.FramePeriodMs(); got != 100 {
		t.Errorf("FramePeriodMs() = %f, want 100", got)
	}
	if got := cfg.TimeoutMs(); got != 150 {
		t.Errorf("TimeoutMs() = %d, want 150", got)
	}
	if got := cfg.TimeWindowMs(); got != 50 {
		t.Errorf("TimeWindowMs() = %d, want 50", got)
	}
	if got := cfg.FlushInterval(); got != 25*time.Millisecond {
		t.Errorf("FlushInterval() = %v, want 25ms", got)
	}
	if cfg.TimeWindowMs() >= cfg.TimeoutMs() {
		t.Error("time window must be shorter than timeout")
	}
	if float64(cfg.TimeoutMs()) < cfg.FramePeriodMs() {
		t.Error("timeout must be at least one frame period")
	}
}

func TestFlushIntervalFloor(t *testing.T) {
	cfg := &TuningConfig{FPS: ptrFloat64(1000), FlushDivisor: ptrInt(100)}
	if got := cfg.FlushInterval(); got != time.Millisecond {
		t.Errorf("FlushInterval() = %v, want 1ms floor", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TuningConfig
		wantErr bool
	}{
		{"empty is valid", TuningConfig{}, false},
		{"zero fps", TuningConfig{FPS: ptrFloat64(0)}, true},
		{"negative threshold", TuningConfig{DistanceThresholdM: ptrFloat64(-1)}, true},
		{"timeout under one frame", TuningConfig{TimeoutFrames: ptrFloat64(0.5), WindowFrames: ptrFloat64(0.1)}, true},
		{"window not shorter than timeout", TuningConfig{TimeoutFrames: ptrFloat64(2), WindowFrames: ptrFloat64(2)}, true},
		{"negative window", TuningConfig{WindowFrames: ptrFloat64(-0.1)}, true},
		{"zero divisor", TuningConfig{FlushDivisor: ptrInt(0)}, true},
		{"zero queue", TuningConfig{QueueDepth: ptrInt(0)}, true},
		{"empty label", TuningConfig{LabelFilter: []string{"person", ""}}, true},
		{"label filter", TuningConfig{LabelFilter: []string{"person", "chair"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()

	path := filepath.Join(tmpDir, "fusion.json")
	content := `{"fps": 15, "distance_threshold_m": 0.75, "label_filter": ["person"]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}
	if cfg.GetFPS() != 15 {
		t.Errorf("GetFPS() = %f, want 15", cfg.GetFPS())
	}
	if cfg.GetDistanceThreshold() != 0.75 {
		t.Errorf("GetDistanceThreshold() = %f, want 0.75", cfg.GetDistanceThreshold())
	}
	if len(cfg.GetLabelFilter()) != 1 || cfg.GetLabelFilter()[0] != "person" {
		t.Errorf("GetLabelFilter() = %v, want [person]", cfg.GetLabelFilter())
	}
	// Unset fields fall back to defaults
	if cfg.GetTimeoutFrames() != 1.5 {
		t.Errorf("GetTimeoutFrames() = %f, want 1.5", cfg.GetTimeoutFrames())
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadTuningConfig(filepath.Join(tmpDir, "fusion.yaml")); err == nil {
		t.Error("expected error for non-JSON extension")
	}
	if _, err := LoadTuningConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"fps": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(bad); err == nil {
		t.Error("expected error for malformed JSON")
	}

	invalid := filepath.Join(tmpDir, "invalid.json")
	if err := os.WriteFile(invalid, []byte(`{"fps": -5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(invalid); err == nil {
		t.Error("expected validation error for negative fps")
	}
}

func TestLoadDefaultsFile(t *testing.T) {
	cfg, err := LoadTuningConfig(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("failed to load %s: %v", DefaultConfigPath, err)
	}
	if cfg.GetFPS() != DefaultTuningConfig().GetFPS() {
		t.Errorf("defaults file fps %f differs from DefaultTuningConfig", cfg.GetFPS())
	}
}
