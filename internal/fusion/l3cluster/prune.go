package l3cluster

import "github.com/banshee-data/camera-fusion/internal/fusion"

// Prune keeps, for each camera, only its highest-confidence detection in g.
// On equal confidence the detection earlier in g wins; groups produced by
// Cluster are ordered by camera id, then arrival. The result preserves g's
// order and shares its pointers. Prune is idempotent.
func Prune(g fusion.DetectionGroup) fusion.DetectionGroup {
	if len(g) <= 1 {
		return g
	}

	best := make(map[int]int, len(g)) // camera id → index into g
	for i, d := range g {
		cur, ok := best[d.CameraID]
		if !ok || d.Confidence > g[cur].Confidence {
			best[d.CameraID] = i
		}
	}
	if len(best) == len(g) {
		return g
	}

	out := make(fusion.DetectionGroup, 0, len(best))
	for i, d := range g {
		if best[d.CameraID] == i {
			out = append(out, d)
		}
	}
	return out
}
