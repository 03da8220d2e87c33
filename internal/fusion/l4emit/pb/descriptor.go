// Package pb is the FusionService wire contract declared in fusion.proto.
//
// The file descriptor is assembled from the same declarations at init, and
// the Go message types convert to dynamic messages at the stream boundary.
// fusion_test.go checks that fusion.proto and the descriptor agree.
package pb

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	// ProtoFile is the registered path of fusion.proto.
	ProtoFile = "fusion/v1/fusion.proto"
	// ServiceName is the fully qualified service name.
	ServiceName = "fusion.v1.FusionService"
	// StreamFramesFullMethod is the full method name of the frame stream.
	StreamFramesFullMethod = "/fusion.v1.FusionService/StreamFrames"
)

// File is the descriptor of fusion.proto.
var File = mustNewFile(fileDescriptorProto())

// Message descriptors.
var (
	StreamFramesRequestDescriptor = File.Messages().ByName("StreamFramesRequest")
	FusedDetectionDescriptor      = File.Messages().ByName("FusedDetection")
	FusedGroupDescriptor          = File.Messages().ByName("FusedGroup")
	FusedFrameDescriptor          = File.Messages().ByName("FusedFrame")
)

func mustNewFile(fdp *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		panic("pb: invalid " + ProtoFile + ": " + err.Error())
	}
	return fd
}

func field(name string, number int32, label descriptorpb.FieldDescriptorProto_Label, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func fileDescriptorProto() *descriptorpb.FileDescriptorProto {
	const (
		optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED

		tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
		tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(ProtoFile),
		Package: proto.String("fusion.v1"),
		Syntax:  proto.String("proto3"),
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/banshee-data/camera-fusion/internal/fusion/l4emit/pb"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("StreamFramesRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("labels", 1, repeated, tString, ""),
				},
			},
			{
				Name: proto.String("FusedDetection"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("label", 1, optional, tString, ""),
					field("world_position", 2, repeated, tDouble, ""),
					field("camera_friendly_id", 3, optional, tInt32, ""),
					field("confidence", 4, optional, tDouble, ""),
				},
			},
			{
				Name: proto.String("FusedGroup"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("detections", 1, repeated, tMessage, ".fusion.v1.FusedDetection"),
				},
			},
			{
				Name: proto.String("FusedFrame"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("id", 1, optional, tString, ""),
					field("timestamp_ms", 2, optional, tInt64, ""),
					field("groups", 3, repeated, tMessage, ".fusion.v1.FusedGroup"),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: proto.String("FusionService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:            proto.String("StreamFrames"),
						InputType:       proto.String(".fusion.v1.StreamFramesRequest"),
						OutputType:      proto.String(".fusion.v1.FusedFrame"),
						ServerStreaming: proto.Bool(true),
					},
				},
			},
		},
	}
}
