// gRPC service description and client for the EntityStore service
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "entitystore.v1.EntityStore"

const (
	methodQuery  = "/" + ServiceName + "/Query"
	methodMutate = "/" + ServiceName + "/Mutate"
	methodDelete = "/" + ServiceName + "/Delete"
	methodStats  = "/" + ServiceName + "/Stats"
)

// EntityStoreServer is the server API of the EntityStore service. Requests
// and responses of Query, Mutate and Delete carry JSON documents.
type EntityStoreServer interface {
	Query(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Mutate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Delete(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the EntityStore service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EntityStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: bytesHandler(methodQuery, EntityStoreServer.Query)},
		{MethodName: "Mutate", Handler: bytesHandler(methodMutate, EntityStoreServer.Mutate)},
		{MethodName: "Delete", Handler: bytesHandler(methodDelete, EntityStoreServer.Delete)},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "entitystore/v1/entitystore.proto",
}

// RegisterEntityStoreServer registers srv with s
func RegisterEntityStoreServer(s grpc.ServiceRegistrar, srv EntityStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type bytesMethod func(EntityStoreServer, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

func bytesHandler(fullMethod string, call bytesMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EntityStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EntityStoreServer), ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityStoreServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStats}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EntityStoreServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the EntityStore service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Query sends a JSON query batch
func (c *Client) Query(ctx context.Context, body []byte, opts ...grpc.CallOption) ([]byte, error) {
	return c.invokeBytes(ctx, methodQuery, body, opts...)
}

// Mutate sends a JSON mutation
func (c *Client) Mutate(ctx context.Context, body []byte, opts ...grpc.CallOption) ([]byte, error) {
	return c.invokeBytes(ctx, methodMutate, body, opts...)
}

// Delete sends a JSON delete query
func (c *Client) Delete(ctx context.Context, body []byte, opts ...grpc.CallOption) ([]byte, error) {
	return c.invokeBytes(ctx, methodDelete, body, opts...)
}

// Stats fetches store statistics
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStats, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invokeBytes(ctx context.Context, method string, body []byte, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, method, wrapperspb.Bytes(body), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
