// Package rpc is the gRPC side of the bus. The service is described by hand
// over structpb messages, so there is no generated code:
//
//	service electrometer.v1.Bus {
//	  rpc Command(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Events(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// Command takes {"name": string, "params": {...}} and returns the ack.
// Events takes {"events": [names...]} (empty for all) and streams events.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "electrometer.v1.Bus"
	CommandFullMethod   = "/" + ServiceName + "/Command"
	EventsFullMethod    = "/" + ServiceName + "/Events"
	eventsStreamIndex   = 0
	serviceMetadataFile = "electrometer/v1/bus.proto"
)

// BusServer is implemented by Service.
type BusServer interface {
	Command(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Events(in *structpb.Struct, stream grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Command",
			Handler:    commandHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: serviceMetadataFile,
}

func RegisterBusServer(s grpc.ServiceRegistrar, srv BusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func commandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CommandFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BusServer).Command(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BusServer).Events(in, stream)
}

// Client is a thin client of the Bus service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Command(ctx context.Context, name string, params map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"name":   name,
		"params": params,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CommandFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives events from Events.
type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Events(ctx context.Context, names []string, opts ...grpc.CallOption) (*EventStream, error) {
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	in, err := structpb.NewStruct(map[string]any{"events": list})
	if err != nil {
		return nil, err
	}

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[eventsStreamIndex], EventsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
