package api

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

type (
	SendResult = intsync.SendResult
	DrainStats = intsync.DrainStats
	Status     = intsync.Status
)

type Empty struct{}

type SendMessageRequest struct {
	Request intsync.SendRequest `json:"request"`
	Options intsync.SendOptions `json:"options"`
}

type GetMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Before         int64  `json:"before"`
}

type GetMessagesResponse struct {
	Messages []*chat.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type ListConversationsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ListConversationsResponse struct {
	Conversations []store.Conversation `json:"conversations"`
}

type QueueItemRequest struct {
	QueueID string `json:"queueId"`
}

type RetryMessageResponse struct {
	Retried bool `json:"retried"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type SyncRequest struct {
	// ConversationID narrows the sync; empty syncs everything.
	ConversationID string `json:"conversationId,omitempty"`
}

type MarkReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type MessageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type UpdateMessageRequest struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Body           chat.Body `json:"body"`
}

type ActionResponse struct {
	// QueueID is empty when nothing had to be sent to the server.
	QueueID string `json:"queueId,omitempty"`
}

// ConnectivityRequest reports platform signals. Nil fields are left unchanged.
type ConnectivityRequest struct {
	Network    *bool `json:"network,omitempty"`
	Foreground *bool `json:"foreground,omitempty"`
}

type ConnectivityResponse struct {
	State  connectivity.State `json:"state"`
	Online bool               `json:"online"`
}

type WatchEventsRequest struct {
	// Namespace is a kind prefix such as "queue."; empty receives everything.
	Namespace string `json:"namespace,omitempty"`
}

// EventEnvelope is one bus event on the wire.
type EventEnvelope struct {
	EventID          string          `json:"eventId"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
