package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// ChatSyncServer is the daemon side of the ChatSync service. Request and
// response bodies are google.protobuf.Struct values.
type ChatSyncServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Discard(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Previews(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Drain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Observe(*structpb.Struct, grpc.ServerStream) error
	WatchPreviews(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

type streamCall func(ChatSyncServer, *structpb.Struct, grpc.ServerStream) error

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func serverStream(name string, call streamCall) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(ChatSyncServer), in, stream)
		},
	}
}

// FullMethod returns the gRPC path of a ChatSync method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes ChatSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", ChatSyncServer.Send),
		unary("ListMessages", ChatSyncServer.ListMessages),
		unary("MarkRead", ChatSyncServer.MarkRead),
		unary("Retry", ChatSyncServer.Retry),
		unary("Discard", ChatSyncServer.Discard),
		unary("Previews", ChatSyncServer.Previews),
		unary("Status", ChatSyncServer.Status),
		unary("Drain", ChatSyncServer.Drain),
		unary("SetTyping", ChatSyncServer.SetTyping),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Observe", ChatSyncServer.Observe),
		serverStream("WatchPreviews", ChatSyncServer.WatchPreviews),
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
