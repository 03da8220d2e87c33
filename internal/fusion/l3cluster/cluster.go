// Package l3cluster groups one flushed window's detections into candidate
// physical objects and prunes same-camera redundancy from each group.
//
// Grouping runs per label. Within a label, an n×n world-distance matrix is
// solved as an assignment problem and only solver-selected pairs under the
// fusion threshold become graph edges; connected components of that graph
// are the groups. The assignment pre-filter stops a single detection from
// gathering every nearby neighbour, which greedy threshold grouping does.
// It does not stop multi-hop chains: if A–B and B–C are both admitted, A
// and C share a group even when A–C exceeds the threshold. That chaining
// is a known approximation and is left as is.
package l3cluster

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// Edge is one admitted pair within a label partition.
type Edge struct {
	A, B     *fusion.WorldDetection
	Distance float64
}

// Result is the outcome of clustering one window.
type Result struct {
	Groups []fusion.DetectionGroup
	Edges  []Edge
}

// Cluster partitions dets into candidate groups. Detections are never
// copied; groups hold the same pointers as dets.
func Cluster(dets []*fusion.WorldDetection, threshold float64) Result {
	var res Result
	for _, part := range partitionByLabel(dets) {
		groups, edges := clusterPartition(part, threshold)
		res.Groups = append(res.Groups, groups...)
		res.Edges = append(res.Edges, edges...)
	}
	return res
}

// Fuse clusters dets and prunes every group. The returned groups contain at
// most one detection per camera.
func Fuse(dets []*fusion.WorldDetection, threshold float64) []fusion.DetectionGroup {
	res := Cluster(dets, threshold)
	out := make([]fusion.DetectionGroup, 0, len(res.Groups))
	for _, g := range res.Groups {
		out = append(out, Prune(g))
	}
	return out
}

// partitionByLabel splits dets by label. Labels come back in sorted order
// and each partition is ordered by camera id, then arrival.
func partitionByLabel(dets []*fusion.WorldDetection) [][]*fusion.WorldDetection {
	byLabel := make(map[string][]*fusion.WorldDetection)
	for _, d := range dets {
		byLabel[d.Label] = append(byLabel[d.Label], d)
	}

	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	parts := make([][]*fusion.WorldDetection, 0, len(labels))
	for _, l := range labels {
		part := byLabel[l]
		sort.SliceStable(part, func(i, j int) bool { return part[i].CameraID < part[j].CameraID })
		parts = append(parts, part)
	}
	return parts
}

func clusterPartition(part []*fusion.WorldDetection, threshold float64) ([]fusion.DetectionGroup, []Edge) {
	n := len(part)
	if n <= 1 {
		// Nothing to assign.
		return []fusion.DetectionGroup{fusion.DetectionGroup(part)}, nil
	}

	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		cost[i][i] = Forbidden
		for j := i + 1; j < n; j++ {
			d := part[i].DistanceTo(part[j])
			cost[i][j] = d
			cost[j][i] = d
		}
	}

	assign := HungarianAssign(cost)

	g := simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}

	var edges []Edge
	for i, j := range assign {
		if j < 0 || j == i || cost[i][j] >= threshold {
			continue
		}
		if g.HasEdgeBetween(int64(i), int64(j)) {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
		edges = append(edges, Edge{A: part[min(i, j)], B: part[max(i, j)], Distance: cost[i][j]})
	}

	comps := topo.ConnectedComponents(g)
	ids := make([][]int, 0, len(comps))
	for _, comp := range comps {
		idx := make([]int, 0, len(comp))
		for _, node := range comp {
			idx = append(idx, int(node.ID()))
		}
		sort.Ints(idx)
		ids = append(ids, idx)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a][0] < ids[b][0] })

	groups := make([]fusion.DetectionGroup, 0, len(ids))
	for _, idx := range ids {
		grp := make(fusion.DetectionGroup, 0, len(idx))
		for _, i := range idx {
			grp = append(grp, part[i])
		}
		groups = append(groups, grp)
	}
	return groups, edges
}
