package pb

import (
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

var (
	reqLabels = StreamFramesRequestDescriptor.Fields().ByName("labels")

	detLabel            = FusedDetectionDescriptor.Fields().ByName("label")
	detWorldPosition    = FusedDetectionDescriptor.Fields().ByName("world_position")
	detCameraFriendlyID = FusedDetectionDescriptor.Fields().ByName("camera_friendly_id")
	detConfidence       = FusedDetectionDescriptor.Fields().ByName("confidence")

	groupDetections = FusedGroupDescriptor.Fields().ByName("detections")

	frameID          = FusedFrameDescriptor.Fields().ByName("id")
	frameTimestampMs = FusedFrameDescriptor.Fields().ByName("timestamp_ms")
	frameGroups      = FusedFrameDescriptor.Fields().ByName("groups")
)

// StreamFramesRequest is fusion.v1.StreamFramesRequest.
type StreamFramesRequest struct {
	Labels []string
}

// FusedDetection is fusion.v1.FusedDetection.
type FusedDetection struct {
	Label            string
	WorldPosition    []float64
	CameraFriendlyId int32
	Confidence       float64
}

// FusedGroup is fusion.v1.FusedGroup.
type FusedGroup struct {
	Detections []*FusedDetection
}

// FusedFrame is fusion.v1.FusedFrame.
type FusedFrame struct {
	Id          string
	TimestampMs int64
	Groups      []*FusedGroup
}

// Message encodes r as a fusion.v1.StreamFramesRequest.
func (r *StreamFramesRequest) Message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(StreamFramesRequestDescriptor)
	if len(r.Labels) == 0 {
		return m
	}
	labels := m.Mutable(reqLabels).List()
	for _, l := range r.Labels {
		labels.Append(protoreflect.ValueOfString(l))
	}
	return m
}

// StreamFramesRequestFromMessage decodes a fusion.v1.StreamFramesRequest.
func StreamFramesRequestFromMessage(m protoreflect.Message) *StreamFramesRequest {
	labels := m.Get(reqLabels).List()
	r := &StreamFramesRequest{}
	for i := 0; i < labels.Len(); i++ {
		r.Labels = append(r.Labels, labels.Get(i).String())
	}
	return r
}

// Message encodes f as a fusion.v1.FusedFrame.
func (f *FusedFrame) Message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(FusedFrameDescriptor)
	m.Set(frameID, protoreflect.ValueOfString(f.Id))
	m.Set(frameTimestampMs, protoreflect.ValueOfInt64(f.TimestampMs))
	if len(f.Groups) == 0 {
		return m
	}
	groups := m.Mutable(frameGroups).List()
	for _, g := range f.Groups {
		gv := groups.NewElement()
		dets := gv.Message().Mutable(groupDetections).List()
		for _, d := range g.Detections {
			dv := dets.NewElement()
			setDetection(dv.Message(), d)
			dets.Append(dv)
		}
		groups.Append(gv)
	}
	return m
}

func setDetection(m protoreflect.Message, d *FusedDetection) {
	m.Set(detLabel, protoreflect.ValueOfString(d.Label))
	if len(d.WorldPosition) > 0 {
		pos := m.Mutable(detWorldPosition).List()
		for _, v := range d.WorldPosition {
			pos.Append(protoreflect.ValueOfFloat64(v))
		}
	}
	m.Set(detCameraFriendlyID, protoreflect.ValueOfInt32(d.CameraFriendlyId))
	m.Set(detConfidence, protoreflect.ValueOfFloat64(d.Confidence))
}

// FusedFrameFromMessage decodes a fusion.v1.FusedFrame.
func FusedFrameFromMessage(m protoreflect.Message) *FusedFrame {
	f := &FusedFrame{
		Id:          m.Get(frameID).String(),
		TimestampMs: m.Get(frameTimestampMs).Int(),
	}
	groups := m.Get(frameGroups).List()
	for i := 0; i < groups.Len(); i++ {
		dets := groups.Get(i).Message().Get(groupDetections).List()
		g := &FusedGroup{Detections: make([]*FusedDetection, 0, dets.Len())}
		for j := 0; j < dets.Len(); j++ {
			g.Detections = append(g.Detections, detectionFromMessage(dets.Get(j).Message()))
		}
		f.Groups = append(f.Groups, g)
	}
	return f
}

func detectionFromMessage(m protoreflect.Message) *FusedDetection {
	d := &FusedDetection{
		Label:            m.Get(detLabel).String(),
		CameraFriendlyId: int32(m.Get(detCameraFriendlyID).Int()),
		Confidence:       m.Get(detConfidence).Float(),
	}
	pos := m.Get(detWorldPosition).List()
	for i := 0; i < pos.Len(); i++ {
		d.WorldPosition = append(d.WorldPosition, pos.Get(i).Float())
	}
	return d
}
