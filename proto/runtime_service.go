// Hand-written gRPC service definition for the cluster channel.
// Uses a JSON codec for wire format since the schema is maintained by hand.

package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

func init() {
	// NOTE: This globally registers a JSON codec for all gRPC connections in
	// the process. Individual calls select it via grpc.CallContentSubtype("json"),
	// so protobuf-based services are unaffected unless they also explicitly
	// request the "json" content subtype. This registration is required for
	// CallContentSubtype("json") to find a matching codec.
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc encoding.Codec using JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// RuntimeServiceClient is the client API for RuntimeService.
type RuntimeServiceClient interface {
	// OpenChannel opens the persistent bidirectional frame stream. A worker
	// keeps exactly one channel open for its whole lifetime; the host scopes
	// type ownership and subscriptions to it.
	OpenChannel(ctx context.Context, opts ...grpc.CallOption) (RuntimeService_OpenChannelClient, error)
}

type runtimeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRuntimeServiceClient creates a new RuntimeServiceClient.
func NewRuntimeServiceClient(cc grpc.ClientConnInterface) RuntimeServiceClient {
	return &runtimeServiceClient{cc}
}

func (c *runtimeServiceClient) OpenChannel(ctx context.Context, opts ...grpc.CallOption) (RuntimeService_OpenChannelClient, error) {
	opts = append(opts, grpc.CallContentSubtype("json"))
	stream, err := c.cc.NewStream(ctx, &RuntimeService_ServiceDesc.Streams[0], "/agentry.RuntimeService/OpenChannel", opts...)
	if err != nil {
		return nil, err
	}
	return &runtimeServiceOpenChannelClient{stream}, nil
}

// RuntimeService_OpenChannelClient is the client side of the frame stream.
type RuntimeService_OpenChannelClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type runtimeServiceOpenChannelClient struct {
	grpc.ClientStream
}

func (x *runtimeServiceOpenChannelClient) Send(m *Frame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *runtimeServiceOpenChannelClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RuntimeServiceServer is the server API for RuntimeService. Implementations
// should embed UnimplementedRuntimeServiceServer for forward compatibility.
type RuntimeServiceServer interface {
	OpenChannel(RuntimeService_OpenChannelServer) error
}

// UnimplementedRuntimeServiceServer can be embedded to have forward
// compatible implementations.
type UnimplementedRuntimeServiceServer struct{}

func (UnimplementedRuntimeServiceServer) OpenChannel(RuntimeService_OpenChannelServer) error {
	return status.Errorf(codes.Unimplemented, "method OpenChannel not implemented")
}

// RegisterRuntimeServiceServer registers the service implementation with a
// gRPC server.
func RegisterRuntimeServiceServer(s grpc.ServiceRegistrar, srv RuntimeServiceServer) {
	s.RegisterService(&RuntimeService_ServiceDesc, srv)
}

func _RuntimeService_OpenChannel_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RuntimeServiceServer).OpenChannel(&runtimeServiceOpenChannelServer{stream})
}

// RuntimeService_OpenChannelServer is the server side of the frame stream.
type RuntimeService_OpenChannelServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type runtimeServiceOpenChannelServer struct {
	grpc.ServerStream
}

func (x *runtimeServiceOpenChannelServer) Send(m *Frame) error {
	return x.ServerStream.SendMsg(m)
}

func (x *runtimeServiceOpenChannelServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RuntimeService_ServiceDesc is the grpc.ServiceDesc for RuntimeService.
var RuntimeService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "agentry.RuntimeService",
	HandlerType: (*RuntimeServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenChannel",
			Handler:       _RuntimeService_OpenChannel_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "runtime_service.proto",
}
