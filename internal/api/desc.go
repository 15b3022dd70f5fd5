package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.QueueService"

// QueueServer is implemented by QueueService.
type QueueServer interface {
	SendMessage(context.Context, *SendMessageRequest) (*SendResult, error)
	GetMessages(context.Context, *GetMessagesRequest) (*GetMessagesResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	RetryMessage(context.Context, *QueueItemRequest) (*RetryMessageResponse, error)
	RetryAllFailed(context.Context, *Empty) (*CountResponse, error)
	ClearFailedMessages(context.Context, *Empty) (*CountResponse, error)
	ProcessQueue(context.Context, *Empty) (*DrainStats, error)
	Sync(context.Context, *SyncRequest) (*Empty, error)
	GetStatus(context.Context, *Empty) (*Status, error)
	MarkRead(context.Context, *MarkReadRequest) (*ActionResponse, error)
	DeleteMessage(context.Context, *MessageRequest) (*ActionResponse, error)
	UpdateMessage(context.Context, *UpdateMessageRequest) (*ActionResponse, error)
	SetConnectivity(context.Context, *ConnectivityRequest) (*ConnectivityResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStream) error
}

// unary builds a method descriptor around a typed handler.
func unary[Req, Resp any](name string, call func(QueueServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(QueueServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes QueueService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendMessage", QueueServer.SendMessage),
		unary("GetMessages", QueueServer.GetMessages),
		unary("ListConversations", QueueServer.ListConversations),
		unary("RetryMessage", QueueServer.RetryMessage),
		unary("RetryAllFailed", QueueServer.RetryAllFailed),
		unary("ClearFailedMessages", QueueServer.ClearFailedMessages),
		unary("ProcessQueue", QueueServer.ProcessQueue),
		unary("Sync", QueueServer.Sync),
		unary("GetStatus", QueueServer.GetStatus),
		unary("MarkRead", QueueServer.MarkRead),
		unary("DeleteMessage", QueueServer.DeleteMessage),
		unary("UpdateMessage", QueueServer.UpdateMessage),
		unary("SetConnectivity", QueueServer.SetConnectivity),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchEventsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(QueueServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/queue.json",
}

// Register attaches s to a gRPC server.
func Register(srv *grpc.Server, s QueueServer) {
	srv.RegisterService(&ServiceDesc, s)
}
