package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
)

const motionServiceName = "beamline.MotionService"

// MotionServer is the server API of beamline.MotionService. Requests
// and responses are google.protobuf.Struct messages.
type MotionServer interface {
	Locate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
	StreamExecution(req *structpb.Struct, stream grpc.ServerStream) error
}

// MotionServiceDesc describes beamline.MotionService without generated
// stubs.
var MotionServiceDesc = grpc.ServiceDesc{
	ServiceName: motionServiceName,
	HandlerType: (*MotionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Locate", Handler: locateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
		{StreamName: "StreamExecution", Handler: streamExecutionHandler, ServerStreams: true},
	},
	Metadata: "beamline/motion.proto",
}

func RegisterMotionServer(s grpc.ServiceRegistrar, srv MotionServer) {
	s.RegisterService(&MotionServiceDesc, srv)
}

func locateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MotionServer).Locate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + motionServiceName + "/Locate",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MotionServer).Locate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MotionServer).Watch(in, stream)
}

func streamExecutionHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MotionServer).StreamExecution(in, stream)
}

// Motion is what MotionService reads from the device manager.
type Motion interface {
	Locate(ctx context.Context, name string) (positioner.Location, error)
	Watch(name string) (<-chan positioner.WatcherUpdate, func(), error)
}

type MotionService struct {
	motion   Motion
	streamer *EventStreamer
}

func NewMotionService(motion Motion, streamer *EventStreamer) *MotionService {
	return &MotionService{motion: motion, streamer: streamer}
}

func (s *MotionService) Locate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	loc, err := s.motion.Locate(ctx, name)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"name":     name,
		"setpoint": loc.Setpoint,
		"readback": loc.Readback,
	})
}

func (s *MotionService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	name, err := stringField(req, "name")
	if err != nil {
		return err
	}
	updates, cancel, err := s.motion.Watch(name)
	if err != nil {
		return toStatus(err)
	}
	defer cancel()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			msg, err := toStruct(u)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *MotionService) StreamExecution(req *structpb.Struct, stream grpc.ServerStream) error {
	raw, err := stringField(req, "execution_id")
	if err != nil {
		return err
	}
	executionID, err := uuid.Parse(raw)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid execution_id: %v", err)
	}

	eventCh := s.streamer.Subscribe(executionID)
	defer s.streamer.Unsubscribe(executionID, eventCh)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			msg, err := toStruct(event)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func stringField(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

func toStatus(err error) error {
	if errors.Is(err, devices.ErrUnknownPositioner) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
