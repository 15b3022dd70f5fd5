package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed QueueService client over the daemon's Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, in *SendMessageRequest) (*SendResult, error) {
	return invoke[SendResult](ctx, c, "SendMessage", in)
}

func (c *Client) GetMessages(ctx context.Context, in *GetMessagesRequest) (*GetMessagesResponse, error) {
	return invoke[GetMessagesResponse](ctx, c, "GetMessages", in)
}

func (c *Client) ListConversations(ctx context.Context, in *ListConversationsRequest) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", in)
}

func (c *Client) RetryMessage(ctx context.Context, queueID string) (bool, error) {
	out, err := invoke[RetryMessageResponse](ctx, c, "RetryMessage", &QueueItemRequest{QueueID: queueID})
	if err != nil {
		return false, err
	}
	return out.Retried, nil
}

func (c *Client) RetryAllFailed(ctx context.Context) (int, error) {
	out, err := invoke[CountResponse](ctx, c, "RetryAllFailed", &Empty{})
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) ClearFailedMessages(ctx context.Context) (int, error) {
	out, err := invoke[CountResponse](ctx, c, "ClearFailedMessages", &Empty{})
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) ProcessQueue(ctx context.Context) (*DrainStats, error) {
	return invoke[DrainStats](ctx, c, "ProcessQueue", &Empty{})
}

// Sync syncs one conversation, or all of them when conversationID is empty.
func (c *Client) Sync(ctx context.Context, conversationID string) error {
	_, err := invoke[Empty](ctx, c, "Sync", &SyncRequest{ConversationID: conversationID})
	return err
}

func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	return invoke[Status](ctx, c, "GetStatus", &Empty{})
}

func (c *Client) MarkRead(ctx context.Context, in *MarkReadRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "MarkRead", in)
}

func (c *Client) DeleteMessage(ctx context.Context, in *MessageRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "DeleteMessage", in)
}

func (c *Client) UpdateMessage(ctx context.Context, in *UpdateMessageRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "UpdateMessage", in)
}

func (c *Client) SetConnectivity(ctx context.Context, in *ConnectivityRequest) (*ConnectivityResponse, error) {
	return invoke[ConnectivityResponse](ctx, c, "SetConnectivity", in)
}

// WatchEvents streams bus events whose kind starts with namespace until ctx ends.
// fn returning an error stops the stream with that error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchEventsRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(EventEnvelope)
		if err := stream.RecvMsg(evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
