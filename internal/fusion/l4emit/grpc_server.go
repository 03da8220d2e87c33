package l4emit

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/fusion/l4emit/pb"
)

// ServerConfig holds configuration for the gRPC frame server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string
	// MaxClients caps concurrent streams; 0 means unlimited.
	MaxClients int
	// ClientBuffer is the per-client frame queue depth.
	ClientBuffer int
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: DefaultSubscriberBuffer,
	}
}

// Ensure Server implements the service interface.
var _ pb.FusionServiceServer = (*Server)(nil)

// Server streams published frames to gRPC clients.
type Server struct {
	cfg       ServerConfig
	publisher *Publisher
	server    *grpc.Server

	clientCount atomic.Int32
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// NewServer creates a Server bound to publisher and registers the service.
func NewServer(publisher *Publisher, cfg ServerConfig, opts ...grpc.ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		publisher: publisher,
		server:    grpc.NewServer(opts...),
		stopCh:    make(chan struct{}),
	}
	pb.RegisterFusionServiceServer(s.server, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("[gRPC] fusion stream listening on %s", lis.Addr())
	return s.server.Serve(lis)
}

// ListenAndServe listens on cfg.ListenAddr and serves until Stop is called.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(lis)
}

// Stop ends every open stream and gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.server.GracefulStop()
		log.Printf("[gRPC] fusion stream stopped")
	})
}

// ClientCount returns the number of connected streaming clients.
func (s *Server) ClientCount() int {
	return int(s.clientCount.Load())
}

// StreamFrames implements the streaming RPC for fused frames.
func (s *Server) StreamFrames(req *pb.StreamFramesRequest, stream pb.FusionService_StreamFramesServer) error {
	if s.cfg.MaxClients > 0 && int(s.clientCount.Load()) >= s.cfg.MaxClients {
		return status.Errorf(codes.ResourceExhausted, "too many clients (max %d)", s.cfg.MaxClients)
	}
	allow := labelsFromRequest(req)

	s.clientCount.Add(1)
	defer s.clientCount.Add(-1)

	id, frames := s.publisher.Subscribe(s.cfg.ClientBuffer)
	defer s.publisher.Unsubscribe(id)
	log.Printf("[gRPC] client connected: %s (labels=%d, total=%d)", id, len(allow), s.clientCount.Load())

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[gRPC] client disconnected: %s", id)
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			frame = filterFrame(frame, allow)
			if frame == nil {
				continue
			}
			if err := stream.Send(frameToProto(frame)); err != nil {
				return err
			}
		}
	}
}

func labelsFromRequest(req *pb.StreamFramesRequest) map[string]struct{} {
	if req == nil || len(req.Labels) == 0 {
		return nil
	}
	allow := make(map[string]struct{}, len(req.Labels))
	for _, l := range req.Labels {
		allow[l] = struct{}{}
	}
	return allow
}

// filterFrame keeps only groups whose label is allowed. It returns nil if
// nothing is left.
func filterFrame(frame *fusion.FusedFrame, allow map[string]struct{}) *fusion.FusedFrame {
	if allow == nil {
		return frame
	}
	out := &fusion.FusedFrame{ID: frame.ID, TimestampMs: frame.TimestampMs}
	for _, g := range frame.Groups {
		if len(g) == 0 {
			continue
		}
		if _, ok := allow[g[0].Label]; ok {
			out.Groups = append(out.Groups, g)
		}
	}
	if len(out.Groups) == 0 {
		return nil
	}
	return out
}

func frameToProto(frame *fusion.FusedFrame) *pb.FusedFrame {
	out := &pb.FusedFrame{
		Id:          frame.ID,
		TimestampMs: frame.TimestampMs,
		Groups:      make([]*pb.FusedGroup, len(frame.Groups)),
	}
	for i, g := range frame.Groups {
		dets := make([]*pb.FusedDetection, len(g))
		for j, d := range g {
			dets[j] = &pb.FusedDetection{
				Label:            d.Label,
				WorldPosition:    []float64{d.WorldPosition[0], d.WorldPosition[1], d.WorldPosition[2]},
				CameraFriendlyId: int32(d.CameraFriendlyID),
				Confidence:       d.Confidence,
			}
		}
		out.Groups[i] = &pb.FusedGroup{Detections: dets}
	}
	return out
}

func frameFromProto(msg *pb.FusedFrame) (*fusion.FusedFrame, error) {
	frame := &fusion.FusedFrame{
		ID:          msg.Id,
		TimestampMs: msg.TimestampMs,
		Groups:      make([][]fusion.FusedDetection, len(msg.Groups)),
	}
	for i, g := range msg.Groups {
		group := make([]fusion.FusedDetection, len(g.Detections))
		for j, d := range g.Detections {
			if len(d.WorldPosition) != 3 {
				return nil, fmt.Errorf("frame %s group %d: world_position has %d values, want 3", msg.Id, i, len(d.WorldPosition))
			}
			group[j] = fusion.FusedDetection{
				Label:            d.Label,
				WorldPosition:    [3]float64{d.WorldPosition[0], d.WorldPosition[1], d.WorldPosition[2]},
				CameraFriendlyID: int(d.CameraFriendlyId),
				Confidence:       d.Confidence,
			}
		}
		frame.Groups[i] = group
	}
	return frame, nil
}

// FrameStream is the client side of StreamFrames.
type FrameStream struct {
	stream pb.FusionService_StreamFramesClient
}

// OpenFrameStream starts a frame stream on cc. An empty labels receives
// every group.
func OpenFrameStream(ctx context.Context, cc grpc.ClientConnInterface, labels []string) (*FrameStream, error) {
	stream, err := pb.NewFusionServiceClient(cc).StreamFrames(ctx, &pb.StreamFramesRequest{Labels: labels})
	if err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next frame.
func (f *FrameStream) Recv() (*fusion.FusedFrame, error) {
	msg, err := f.stream.Recv()
	if err != nil {
		return nil, err
	}
	return frameFromProto(msg)
}
