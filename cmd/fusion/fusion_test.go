package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/camera-fusion/internal/db"
	"github.com/banshee-data/camera-fusion/internal/fusion"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != ":8080" {
		t.Errorf("listen default = %q, want :8080", *listen)
	}
	if *grpcListen != "localhost:50061" {
		t.Errorf("grpc-listen default = %q, want localhost:50061", *grpcListen)
	}
	if *dbRetention != 24*time.Hour {
		t.Errorf("db-retention default = %v, want 24h", *dbRetention)
	}
	if *mqttBroker != "" {
		t.Errorf("mqtt should be disabled by default, got broker %q", *mqttBroker)
	}
	if *devMode {
		t.Error("dev mode should be off by default")
	}
}

func TestPruneLoopRemovesExpiredFrames(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "prune.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"old", "fresh"} {
		frame := &fusion.FusedFrame{ID: id, TimestampMs: 1000, Groups: [][]fusion.FusedDetection{
			{{Label: "person", CameraFriendlyID: 1, Confidence: 0.5}},
		}}
		if err := store.RecordFrame(frame); err != nil {
			t.Fatalf("RecordFrame: %v", err)
		}
	}
	backdated := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := store.Exec(`UPDATE fusion_frames SET recorded_at_ms = ? WHERE frame_id = 'old'`, backdated); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context still runs the first prune pass.
	if err := pruneLoop(ctx, store, 24*time.Hour); err != nil {
		t.Fatalf("pruneLoop: %v", err)
	}

	frames, err := store.RecentFrames(10)
	if err != nil {
		t.Fatalf("RecentFrames: %v", err)
	}
	if len(frames) != 1 || frames[0].ID != "fresh" {
		t.Errorf("frames after prune = %+v, want only fresh", frames)
	}
}

func TestPruneLoopKeepsFramesWithCameraClockTimestamps(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "prune.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer store.Close()

	frame := &fusion.FusedFrame{ID: "boot-clock", TimestampMs: 123456, Groups: [][]fusion.FusedDetection{
		{{Label: "chair", CameraFriendlyID: 2, Confidence: 0.7}},
	}}
	if err := store.RecordFrame(frame); err != nil {
		t.Fatalf("RecordFrame: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pruneLoop(ctx, store, 24*time.Hour); err != nil {
		t.Fatalf("pruneLoop: %v", err)
	}

	if _, err := store.FrameByID("boot-clock"); err != nil {
		t.Errorf("FrameByID after prune: %v", err)
	}
}
