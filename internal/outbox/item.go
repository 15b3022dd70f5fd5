package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chat"
)

// MessageStatus is the queue-side state of a message item.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageFailed  MessageStatus = "failed"
	MessageSent    MessageStatus = "sent"
)

// ActionStatus is the queue-side state of an action item.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
	ActionCompleted  ActionStatus = "completed"
)

// MessageItem wraps one outbound message with its delivery bookkeeping.
// Timestamps are unix milliseconds; zero means unset.
type MessageItem struct {
	QueueID       string        `json:"queueId"`
	Message       chat.Message  `json:"message"`
	EnqueuedAt    int64         `json:"enqueuedAt"`
	RetryCount    int           `json:"retryCount"`
	LastRetryAt   int64         `json:"lastRetryAt,omitempty"`
	NextAttemptAt int64         `json:"nextAttemptAt,omitempty"`
	Status        MessageStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
}

// ActionItem wraps one queued mutation. MaxRetries overrides the queue default.
type ActionItem struct {
	QueueID       string
	Action        chat.Action
	EnqueuedAt    int64
	RetryCount    int
	MaxRetries    int
	LastRetryAt   int64
	NextAttemptAt int64
	Status        ActionStatus
	Error         string
}

type actionItemJSON struct {
	QueueID       string          `json:"queueId"`
	Action        json.RawMessage `json:"action"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	LastRetryAt   int64           `json:"lastRetryAt,omitempty"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"`
	Status        ActionStatus    `json:"status"`
	Error         string          `json:"error,omitempty"`
}

// MarshalJSON encodes the action as a typed envelope.
func (it ActionItem) MarshalJSON() ([]byte, error) {
	raw, err := chat.MarshalAction(it.Action)
	if err != nil {
		return nil, fmt.Errorf("action item %s: %w", it.QueueID, err)
	}
	return json.Marshal(actionItemJSON{
		QueueID:       it.QueueID,
		Action:        raw,
		EnqueuedAt:    it.EnqueuedAt,
		RetryCount:    it.RetryCount,
		MaxRetries:    it.MaxRetries,
		LastRetryAt:   it.LastRetryAt,
		NextAttemptAt: it.NextAttemptAt,
		Status:        it.Status,
		Error:         it.Error,
	})
}

// UnmarshalJSON decodes an item written by MarshalJSON.
func (it *ActionItem) UnmarshalJSON(data []byte) error {
	var w actionItemJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a, err := chat.UnmarshalAction(w.Action)
	if err != nil {
		return fmt.Errorf("action item %s: %w", w.QueueID, err)
	}
	*it = ActionItem{
		QueueID:       w.QueueID,
		Action:        a,
		EnqueuedAt:    w.EnqueuedAt,
		RetryCount:    w.RetryCount,
		MaxRetries:    w.MaxRetries,
		LastRetryAt:   w.LastRetryAt,
		NextAttemptAt: w.NextAttemptAt,
		Status:        w.Status,
		Error:         w.Error,
	}
	return nil
}

// Stats summarises queue contents by status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`

	ActionsTotal      int `json:"actionsTotal"`
	ActionsPending    int `json:"actionsPending"`
	ActionsProcessing int `json:"actionsProcessing"`
	ActionsCompleted  int `json:"actionsCompleted"`
	ActionsFailed     int `json:"actionsFailed"`

	OldestPendingAt int64 `json:"oldestPendingAt,omitempty"`
}

// Item types carried in ItemEvent.
const (
	TypeMessage = "message"
	TypeAction  = "action"
)

// Removal reasons carried in ItemEvent.
const (
	ReasonEvicted   = "evicted"
	ReasonDelivered = "delivered"
	ReasonCleared   = "cleared"
	ReasonRemoved   = "removed"
)

// ItemEvent is the payload of every queue.* bus event.
type ItemEvent struct {
	QueueID        string          `json:"queueId"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ServerID       string          `json:"serverId,omitempty"`
	ActionKind     chat.ActionKind `json:"actionKind,omitempty"`
	Status         string          `json:"status,omitempty"`
	RetryCount     int             `json:"retryCount,omitempty"`
	NextAttemptAt  int64           `json:"nextAttemptAt,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           chat.Code       `json:"code,omitempty"`
}

// Event builds the bus payload describing it.
func (it MessageItem) Event() ItemEvent {
	return ItemEvent{
		QueueID:        it.QueueID,
		Type:           TypeMessage,
		ConversationID: it.Message.ConversationID,
		MessageID:      it.Message.ID,
		Status:         string(it.Status),
		RetryCount:     it.RetryCount,
		NextAttemptAt:  it.NextAttemptAt,
		Error:          it.Error,
	}
}

// Event builds the bus payload describing it.
func (it ActionItem) Event() ItemEvent {
	e := ItemEvent{
		QueueID:       it.QueueID,
		Type:          TypeAction,
		Status:        string(it.Status),
		RetryCount:    it.RetryCount,
		NextAttemptAt: it.NextAttemptAt,
		Error:         it.Error,
	}
	if it.Action != nil {
		e.ConversationID = it.Action.Conversation()
		e.ActionKind = it.Action.Kind()
	}
	return e
}

func (it *MessageItem) clone() MessageItem {
	c := *it
	c.Message = *it.Message.Clone()
	return c
}

func (it *ActionItem) clone() ActionItem {
	return *it
}
