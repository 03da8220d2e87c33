// Package fusion holds the shared data model for multi-camera spatial
// detection fusion.
//
// The pipeline is split into layers, leaves first:
//
//   - l1ingest: per-device conversion of local detections into world frame
//   - l2window: timestamp buffer and the periodic flush scheduler
//   - l3cluster: cross-camera clustering and same-camera redundancy pruning
//   - l4emit: packaging of fused groups and fan-out to subscribers
//
// Types in this package are shared by all layers. WorldDetection values are
// immutable once built and are passed by pointer between layers.
package fusion
