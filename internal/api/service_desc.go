package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.detect.v1.DetectionService"

// Method names exposed by the detection service.
const (
	MethodRunAlert             = "RunAlert"
	MethodListAnomalies        = "ListAnomalies"
	MethodListEnumerationItems = "ListEnumerationItems"
	MethodHealthCheck          = "HealthCheck"
)

// DetectionServer is the server side of the detection service. Every payload is a
// structpb.Struct so clients need no generated stubs.
type DetectionServer interface {
	RunAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListEnumerationItems(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// DetectionServiceDesc describes the service for grpc.Server.RegisterService.
var DetectionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectionServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodRunAlert, DetectionServer.RunAlert),
		unaryMethod(MethodListAnomalies, DetectionServer.ListAnomalies),
		unaryMethod(MethodListEnumerationItems, DetectionServer.ListEnumerationItems),
		unaryMethod(MethodHealthCheck, DetectionServer.HealthCheck),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/detect/v1/detect.proto",
}

// RegisterDetectionServer registers srv on s.
func RegisterDetectionServer(s grpc.ServiceRegistrar, srv DetectionServer) {
	s.RegisterService(&DetectionServiceDesc, srv)
}

type unaryCall func(DetectionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DetectionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DetectionServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the gRPC path of a method, e.g. "/mirador.detect.v1.DetectionService/RunAlert".
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Client calls the detection service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and returns the response struct.
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
