// Package l4emit turns pruned groups into fused frames and fans each frame
// out to subscribers: in-process channels, and remote clients over gRPC.
package l4emit

import (
	"github.com/google/uuid"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// IDFunc generates frame ids.
type IDFunc func() string

// Packager builds fused frames from a window's pruned groups.
type Packager struct {
	newID IDFunc
}

// NewPackager returns a Packager. A nil newID uses random UUIDs.
func NewPackager(newID IDFunc) *Packager {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Packager{newID: newID}
}

// Package builds the frame for the window starting at startMs. It returns
// nil when the groups hold no detections, so an empty window never becomes
// output. Group order and in-group order are preserved.
func (p *Packager) Package(startMs int64, groups []fusion.DetectionGroup) *fusion.FusedFrame {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total == 0 {
		return nil
	}

	frame := &fusion.FusedFrame{
		ID:          p.newID(),
		TimestampMs: startMs,
		Groups:      make([][]fusion.FusedDetection, 0, len(groups)),
	}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		out := make([]fusion.FusedDetection, 0, len(g))
		for _, d := range g {
			out = append(out, fusion.NewFusedDetection(d))
		}
		frame.Groups = append(frame.Groups, out)
	}
	return frame
}
