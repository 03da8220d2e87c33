package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

// FusionServiceServer is the server API for FusionService.
type FusionServiceServer interface {
	StreamFrames(*StreamFramesRequest, FusionService_StreamFramesServer) error
}

// FusionService_StreamFramesServer is the server side of StreamFrames.
type FusionService_StreamFramesServer interface {
	Send(*FusedFrame) error
	grpc.ServerStream
}

type fusionServiceStreamFramesServer struct {
	grpc.ServerStream
}

func (x *fusionServiceStreamFramesServer) Send(f *FusedFrame) error {
	return x.ServerStream.SendMsg(f.Message())
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := dynamicpb.NewMessage(StreamFramesRequestDescriptor)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FusionServiceServer).StreamFrames(StreamFramesRequestFromMessage(req), &fusionServiceStreamFramesServer{stream})
}

// FusionService_ServiceDesc is the grpc.ServiceDesc for FusionService.
var FusionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FusionServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: ProtoFile,
}

// RegisterFusionServiceServer registers srv on s.
func RegisterFusionServiceServer(s grpc.ServiceRegistrar, srv FusionServiceServer) {
	s.RegisterService(&FusionService_ServiceDesc, srv)
}

// FusionServiceClient is the client API for FusionService.
type FusionServiceClient interface {
	StreamFrames(ctx context.Context, in *StreamFramesRequest, opts ...grpc.CallOption) (FusionService_StreamFramesClient, error)
}

type fusionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewFusionServiceClient returns a client for FusionService on cc.
func NewFusionServiceClient(cc grpc.ClientConnInterface) FusionServiceClient {
	return &fusionServiceClient{cc}
}

func (c *fusionServiceClient) StreamFrames(ctx context.Context, in *StreamFramesRequest, opts ...grpc.CallOption) (FusionService_StreamFramesClient, error) {
	stream, err := c.cc.NewStream(ctx, &FusionService_ServiceDesc.Streams[0], StreamFramesFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &fusionServiceStreamFramesClient{stream}
	if err := x.ClientStream.SendMsg(in.Message()); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// FusionService_StreamFramesClient is the client side of StreamFrames.
type FusionService_StreamFramesClient interface {
	Recv() (*FusedFrame, error)
	grpc.ClientStream
}

type fusionServiceStreamFramesClient struct {
	grpc.ClientStream
}

func (x *fusionServiceStreamFramesClient) Recv() (*FusedFrame, error) {
	m := dynamicpb.NewMessage(FusedFrameDescriptor)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return FusedFrameFromMessage(m), nil
}
