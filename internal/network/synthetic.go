package network

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// SyntheticObject is a labelled object moving on a circle in world space.
type SyntheticObject struct {
	Label  string
	Center r3.Vec
	Radius float64 // metres
	Speed  float64 // radians per second
}

type syntheticCamera struct {
	deviceID      string
	worldToCamera *mat.Dense
}

// SyntheticGenerator produces per-camera detection batches of a known set of
// moving objects, seen by every calibrated camera through its own inverse
// extrinsics. It is not safe for concurrent use.
type SyntheticGenerator struct {
	cameras []syntheticCamera

	// Configuration
	Objects     []SyntheticObject
	FrameRate   float64 // frames per second per camera
	NoiseM      float64 // per-axis position noise, metres
	JitterMs    int     // max per-camera timestamp skew
	DropoutProb float64 // chance a camera misses an object
	GhostProb   float64 // chance a detection has zero depth

	rng *rand.Rand
}

// NewSyntheticGenerator builds a generator over every device in table.
func NewSyntheticGenerator(table *calibration.Table, seed int64) (*SyntheticGenerator, error) {
	g := &SyntheticGenerator{
		Objects: []SyntheticObject{
			{Label: "person", Center: r3.Vec{X: 2, Y: 0, Z: 3}, Radius: 1.5, Speed: 0.4},
			{Label: "person", Center: r3.Vec{X: -2, Y: 1, Z: 4}, Radius: 1.0, Speed: -0.3},
			{Label: "chair", Center: r3.Vec{X: 0, Y: -1, Z: 2.5}},
		},
		FrameRate:   30,
		NoiseM:      0.05,
		JitterMs:    5,
		DropoutProb: 0.1,
		GhostProb:   0.02,
		rng:         rand.New(rand.NewSource(seed)),
	}
	for _, ext := range table.Devices() {
		var inv mat.Dense
		if err := inv.Inverse(mat.NewDense(4, 4, append([]float64(nil), ext.CameraToWorld[:]...))); err != nil {
			return nil, fmt.Errorf("device %s: invert extrinsics: %w", ext.DeviceID, err)
		}
		g.cameras = append(g.cameras, syntheticCamera{deviceID: ext.DeviceID, worldToCamera: &inv})
	}
	return g, nil
}

// ObjectPosition returns the world position of obj at elapsed seconds.
func ObjectPosition(obj SyntheticObject, elapsed float64) r3.Vec {
	a := obj.Speed * elapsed
	return r3.Add(obj.Center, r3.Vec{X: obj.Radius * math.Cos(a), Y: obj.Radius * math.Sin(a)})
}

// Batches returns one batch per camera for the instant timestampMs, with
// elapsed seconds since the scene started.
func (g *SyntheticGenerator) Batches(timestampMs int64, elapsed float64) []fusion.CameraBatch {
	out := make([]fusion.CameraBatch, 0, len(g.cameras))
	for _, cam := range g.cameras {
		ts := timestampMs
		if g.JitterMs > 0 {
			ts += int64(g.rng.Intn(g.JitterMs + 1))
		}
		batch := fusion.CameraBatch{DeviceID: cam.deviceID, TimestampMs: ts}
		for _, obj := range g.Objects {
			if g.DropoutProb > 0 && g.rng.Float64() < g.DropoutProb {
				continue
			}
			world := ObjectPosition(obj, elapsed)
			world = r3.Add(world, r3.Vec{
				X: g.rng.NormFloat64() * g.NoiseM,
				Y: g.rng.NormFloat64() * g.NoiseM,
				Z: g.rng.NormFloat64() * g.NoiseM,
			})

			var local mat.VecDense
			local.MulVec(cam.worldToCamera, mat.NewVecDense(4, []float64{world.X, world.Y, world.Z, 1}))
			pos := [3]float64{local.AtVec(0), local.AtVec(1), local.AtVec(2)}
			if g.GhostProb > 0 && g.rng.Float64() < g.GhostProb {
				pos[2] = 0
			}
			batch.Detections = append(batch.Detections, fusion.RawDetection{
				Label:         obj.Label,
				Confidence:    0.6 + 0.4*g.rng.Float64(),
				LocalPosition: pos,
			})
		}
		out = append(out, batch)
	}
	return out
}

// Run dispatches a batch per camera every frame period until ctx is
// cancelled. Timestamps are wall-clock milliseconds.
func (g *SyntheticGenerator) Run(ctx context.Context, d Dispatcher) error {
	if g.FrameRate <= 0 {
		return fmt.Errorf("synthetic frame rate must be positive, got %f", g.FrameRate)
	}
	interval := time.Duration(float64(time.Second) / g.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	log.Printf("[synthetic] generating %d objects for %d cameras at %.0f fps", len(g.Objects), len(g.cameras), g.FrameRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, b := range g.Batches(now.UnixMilli(), now.Sub(start).Seconds()) {
				d.Dispatch(b)
			}
		}
	}
}
