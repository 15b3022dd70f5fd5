package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/logging"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// QueueService exposes the coordinator to local UI processes.
type QueueService struct {
	coord   *intsync.Coordinator
	monitor *connectivity.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewQueueService creates the gRPC front of a coordinator.
func NewQueueService(c *intsync.Coordinator, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *QueueService {
	logger = logging.OrNop(logger)
	return &QueueService{coord: c, monitor: m, bus: b, logger: logger}
}

func (s *QueueService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendResult, error) {
	res, err := s.coord.SendMessage(ctx, req.Request, req.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *QueueService) GetMessages(ctx context.Context, req *GetMessagesRequest) (*GetMessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.coord.GetMessages(ctx, req.ConversationID, intsync.ListOptions{Limit: limit, Before: req.Before})
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetMessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
}

func (s *QueueService) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	convs, err := s.coord.Conversations(ctx, req.Limit, req.Offset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListConversationsResponse{Conversations: convs}, nil
}

func (s *QueueService) RetryMessage(ctx context.Context, req *QueueItemRequest) (*RetryMessageResponse, error) {
	ok, err := s.coord.RetryMessage(ctx, req.QueueID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RetryMessageResponse{Retried: ok}, nil
}

func (s *QueueService) RetryAllFailed(ctx context.Context, _ *Empty) (*CountResponse, error) {
	n, err := s.coord.RetryAllFailed(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *QueueService) ClearFailedMessages(ctx context.Context, _ *Empty) (*CountResponse, error) {
	n, err := s.coord.ClearFailedMessages(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *QueueService) ProcessQueue(ctx context.Context, _ *Empty) (*DrainStats, error) {
	st, err := s.coord.ProcessQueue(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &st, nil
}

func (s *QueueService) Sync(ctx context.Context, req *SyncRequest) (*Empty, error) {
	var err error
	if req.ConversationID == "" {
		err = s.coord.SyncAllConversations(ctx)
	} else {
		err = s.coord.SyncConversation(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *QueueService) GetStatus(_ context.Context, _ *Empty) (*Status, error) {
	st := s.coord.GetStatus()
	return &st, nil
}

func (s *QueueService) MarkRead(ctx context.Context, req *MarkReadRequest) (*ActionResponse, error) {
	id, err := s.coord.MarkRead(ctx, req.ConversationID, req.MessageIDs)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ActionResponse{QueueID: id}, nil
}

func (s *QueueService) DeleteMessage(ctx context.Context, req *MessageRequest) (*ActionResponse, error) {
	id, err := s.coord.DeleteMessage(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ActionResponse{QueueID: id}, nil
}

func (s *QueueService) UpdateMessage(ctx context.Context, req *UpdateMessageRequest) (*ActionResponse, error) {
	id, err := s.coord.UpdateMessage(ctx, req.ConversationID, req.MessageID, req.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ActionResponse{QueueID: id}, nil
}

func (s *QueueService) SetConnectivity(_ context.Context, req *ConnectivityRequest) (*ConnectivityResponse, error) {
	if req.Network != nil {
		s.monitor.SetNetwork(*req.Network)
	}
	if req.Foreground != nil {
		s.monitor.SetForeground(*req.Foreground)
	}
	st := s.monitor.State()
	return &ConnectivityResponse{State: st, Online: st.Online()}, nil
}

func (s *QueueService) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.SendMsg(&EventEnvelope{
				EventID:          uuid.NewString(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps the error taxonomy onto gRPC codes. The chat code travels in the message.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, chat.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, chat.ErrNotInitialized):
		code = codes.FailedPrecondition
	case errors.Is(err, chat.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, chat.ErrNetwork):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", chat.CodeOf(err), err)
}
