package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
)

// The service descriptor is maintained by hand: the schema is five small
// messages and three methods, and keeping generated bindings in sync was
// more churn than the descriptor itself. Messages are encoded with the
// codec below on both ends.

const (
	serviceName  = "crashnet.DataService"
	queryMethod  = "/crashnet.DataService/Query"
	sendMethod   = "/crashnet.DataService/Send"
	streamMethod = "/crashnet.DataService/Stream"
)

// Codec marshals the wire structs as JSON. Forced on every connection and
// server so no protobuf negotiation takes place.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return "json" }

// dataService is the server-side contract behind the descriptor.
type dataService interface {
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	Send(ctx context.Context, msg *DataMessage) (*Ack, error)
	Stream(req *QueryRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*dataService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "crashnet/dataservice",
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dataService).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dataService).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DataMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dataService).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dataService).Send(ctx, req.(*DataMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(QueryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return fmt.Errorf("failed to receive stream request: %w", err)
	}
	return srv.(dataService).Stream(in, stream)
}
