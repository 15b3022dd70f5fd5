package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// SendRequest is a message draft from the UI.
type SendRequest struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Body           chat.Body `json:"body"`
	// ClientID is optional; supplying the same one twice never sends twice.
	ClientID string `json:"clientId,omitempty"`
}

// SendOptions changes how SendMessage delivers.
type SendOptions struct {
	// SkipOptimistic queues without writing a placeholder into the conversation.
	SkipOptimistic bool `json:"skipOptimistic,omitempty"`
	// Wait makes the first delivery attempt on the caller's goroutine.
	Wait bool `json:"wait,omitempty"`
}

// SendResult reports what SendMessage did.
type SendResult struct {
	Success      bool          `json:"success"`
	Queued       bool          `json:"queued"`
	Delivered    bool          `json:"delivered,omitempty"`
	OptimisticID string        `json:"optimisticId,omitempty"`
	QueueID      string        `json:"queueId,omitempty"`
	Message      *chat.Message `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
	Code         chat.Code     `json:"code,omitempty"`
}

// ListOptions pages GetMessages. Before is a unix ms cursor; 0 means newest.
type ListOptions struct {
	Limit  int   `json:"limit"`
	Before int64 `json:"before"`
}

// Health is the single derived queue signal for the UI.
type Health string

const (
	Healthy Health = "healthy"
	Warning Health = "warning"
	Failing Health = "error"
)

// Status is a point-in-time view of the service.
type Status struct {
	IsOnline               bool                 `json:"isOnline"`
	State                  string               `json:"state"`
	Processing             bool                 `json:"processing"`
	QueueStats             outbox.Stats         `json:"queueStats"`
	FailedMessages         []outbox.MessageItem `json:"failedMessages"`
	FailedActions          []outbox.ActionItem  `json:"failedActions"`
	OptimisticMessageCount int                  `json:"optimisticMessageCount"`
	ScheduledRetries       int                  `json:"scheduledRetries"`
	Health                 Health               `json:"health"`
}

// SyncEvent is the payload of sync.* events.
type SyncEvent struct {
	ConversationID string     `json:"conversationId,omitempty"`
	Drain          DrainStats `json:"drain"`
	Pulled         int        `json:"pulled,omitempty"`
	Error          string     `json:"error,omitempty"`
	Code           chat.Code  `json:"code,omitempty"`
}

// SendMessage validates a draft, renders it optimistically and queues it.
// Validation and initialization errors are returned before anything is stored.
func (c *Coordinator) SendMessage(ctx context.Context, req SendRequest, opts SendOptions) (SendResult, error) {
	if err := c.ready(); err != nil {
		return failedResult(err), err
	}
	m := &chat.Message{
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Body:           req.Body,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         chat.StatusPending,
		IsOptimistic:   true,
	}
	if m.ClientID == "" {
		m.ClientID = chat.NewClientID()
	}
	m.ID = chat.PlaceholderID(m.ClientID)
	if err := chat.ValidateOutgoing(m); err != nil {
		return failedResult(err), err
	}

	if !opts.SkipOptimistic {
		// the queue is authoritative; a missing placeholder row only affects rendering
		c.warnStorage(c.reconciler.Placeholder(m))
	}
	queueID, err := c.queue.EnqueueMessage(*m)
	if err != nil {
		return failedResult(err), err
	}
	c.logger.Debug("message queued",
		zap.String("queue_id", queueID),
		zap.String("placeholder_id", m.ID),
		zap.Bool("online", c.monitor.Online()))

	res := SendResult{
		Success:      true,
		Queued:       true,
		OptimisticID: m.ID,
		QueueID:      queueID,
		Message:      m,
	}
	if !c.monitor.Online() {
		return res, nil
	}
	if opts.Wait {
		// a caller that stops waiting leaves the attempt running
		if _, err := c.waitDrain(ctx, drainScope{}); err != nil {
			return res, nil
		}
		if it, ok := c.queue.Message(queueID); ok && it.Status == outbox.MessageSent {
			res.Delivered = true
		}
		return res, nil
	}
	c.kick(false)
	return res, nil
}

func failedResult(err error) SendResult {
	return SendResult{Error: err.Error(), Code: chat.CodeOf(err)}
}

// GetMessages returns a page of a conversation, newest first, placeholders included.
func (c *Coordinator) GetMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*chat.Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", chat.ErrValidation)
	}
	msgs, err := c.db.ListMessages(conversationID, opts.Before, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", chat.ErrStorage, err)
	}
	return msgs, nil
}

// Conversations lists known conversations, most recent first.
func (c *Coordinator) Conversations(ctx context.Context, limit, offset int) ([]store.Conversation, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	convs, err := c.db.ListConversations(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", chat.ErrStorage, err)
	}
	return convs, nil
}

// RetryMessage resets a failed (or waiting) message to a fresh retry budget
// and, when online, waits for the drain that attempts it. Reports false for
// unknown or in-flight items. If ctx ends first the attempt still completes.
func (c *Coordinator) RetryMessage(ctx context.Context, queueID string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	if !c.resetMessage(queueID) {
		if _, ok := c.queue.Message(queueID); ok {
			return false, nil
		}
		return c.retryAction(ctx, queueID), nil
	}
	_, _ = c.waitDrain(ctx, drainScope{})
	return true, nil
}

func (c *Coordinator) retryAction(ctx context.Context, queueID string) bool {
	it, ok := c.queue.ResetAction(queueID)
	if !ok {
		return false
	}
	c.retries.Cancel(queueID)
	c.bus.Emit(bus.ItemQueued, it.Event())
	_, _ = c.waitDrain(ctx, drainScope{})
	return true
}

func (c *Coordinator) resetMessage(queueID string) bool {
	it, ok := c.queue.ResetMessage(queueID)
	if !ok {
		return false
	}
	c.retries.Cancel(queueID)
	c.warnStorage(c.reconciler.MarkStatus(it.Message, chat.StatusPending))
	c.bus.Emit(bus.ItemQueued, it.Event())
	return true
}

// RetryAllFailed resets every failed message and action, then drains when online.
// It returns how many items were reset.
func (c *Coordinator) RetryAllFailed(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range c.queue.Messages(outbox.MessageFailed) {
		if c.resetMessage(it.QueueID) {
			n++
		}
	}
	for _, it := range c.queue.Actions(outbox.ActionFailed) {
		if rs, ok := c.queue.ResetAction(it.QueueID); ok {
			c.bus.Emit(bus.ItemQueued, rs.Event())
			n++
		}
	}
	if n > 0 {
		c.logger.Info("retrying failed items", zap.Int("count", n))
		if _, err := c.waitDrain(ctx, drainScope{force: true}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ClearFailedMessages drops every failed message and its placeholder. Returns the count.
func (c *Coordinator) ClearFailedMessages(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	removed := c.queue.ClearFailedMessages()
	for _, it := range removed {
		c.retries.Cancel(it.QueueID)
		c.warnStorage(c.reconciler.Discard(it.Message))
	}
	if len(removed) > 0 {
		c.logger.Info("cleared failed messages", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

// SyncAllConversations is an explicit full drain followed by an inbound pull of
// every known conversation when the transport can fetch.
func (c *Coordinator) SyncAllConversations(ctx context.Context) error {
	return c.sync(ctx, "")
}

// SyncConversation is SyncAllConversations narrowed to one conversation.
func (c *Coordinator) SyncConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", chat.ErrValidation)
	}
	return c.sync(ctx, conversationID)
}

func (c *Coordinator) sync(ctx context.Context, conversationID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	evt := SyncEvent{ConversationID: conversationID}
	c.bus.Emit(bus.SyncStarted, evt)

	if !c.monitor.Online() {
		err := fmt.Errorf("%w: offline", chat.ErrNetwork)
		c.syncFailed(evt, err)
		return err
	}
	run, err := c.waitDrain(ctx, drainScope{force: true, pull: true, conversationID: conversationID})
	if err == nil && run == nil {
		err = fmt.Errorf("%w: offline", chat.ErrNetwork)
	}
	if err != nil {
		c.syncFailed(evt, err)
		return err
	}
	evt.Drain = run.stats
	evt.Pulled = run.pulled
	if run.pullErr != nil {
		c.syncFailed(evt, run.pullErr)
		return run.pullErr
	}

	c.bus.Emit(bus.SyncCompleted, evt)
	c.logger.Info("sync completed",
		zap.String("conversation_id", conversationID),
		zap.Int("attempted", evt.Drain.Attempted),
		zap.Int("delivered", evt.Drain.Delivered),
		zap.Int("pulled", evt.Pulled))
	return nil
}

func (c *Coordinator) syncFailed(evt SyncEvent, err error) {
	evt.Error = err.Error()
	evt.Code = chat.CodeOf(err)
	c.bus.Emit(bus.SyncError, evt)
	c.logger.Warn("sync failed", zap.String("conversation_id", evt.ConversationID), zap.Error(err))
}

// GetStatus summarises connectivity, queue contents and health.
func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	processing := c.current != nil
	c.mu.Unlock()

	st := c.queue.Stats()
	s := Status{
		IsOnline:         c.monitor.Online(),
		State:            string(c.machine.Current()),
		Processing:       processing,
		QueueStats:       st,
		FailedMessages:   c.queue.Messages(outbox.MessageFailed),
		FailedActions:    c.queue.Actions(outbox.ActionFailed),
		ScheduledRetries: c.retries.Len(),
		Health:           health(st, processing),
	}
	if c.machine.Accepting() {
		s.OptimisticMessageCount = c.reconciler.OptimisticCount()
	}
	return s
}

func health(s outbox.Stats, processing bool) Health {
	switch {
	case s.Failed > 0 || s.ActionsFailed > 0:
		return Failing
	case processing || s.Pending+s.Sending+s.ActionsPending+s.ActionsProcessing > 0:
		return Warning
	default:
		return Healthy
	}
}

// MarkRead marks messages read locally and queues the receipt.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (string, error) {
	a := chat.MarkRead{ConversationID: conversationID, MessageIDs: messageIDs}
	return c.enqueueAction(a, func() error {
		_, err := c.db.MarkMessagesRead(conversationID, messageIDs)
		return err
	})
}

// DeleteMessage deletes a message locally and queues the deletion. Deleting a
// placeholder that never reached the server drops it from the queue instead.
func (c *Coordinator) DeleteMessage(ctx context.Context, conversationID, messageID string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if chat.IsPlaceholderID(messageID) && c.reconciler.ResolveID(messageID) == messageID {
		for _, it := range c.queue.Messages(outbox.MessagePending, outbox.MessageFailed) {
			if it.Message.ID == messageID {
				c.retries.Cancel(it.QueueID)
				c.queue.Remove(it.QueueID)
				c.warnStorage(c.reconciler.Discard(it.Message))
				return "", nil
			}
		}
	}
	a := chat.DeleteMessage{ConversationID: conversationID, MessageID: messageID}
	return c.enqueueAction(a, func() error {
		_, err := c.db.DeleteMessage(conversationID, messageID)
		return err
	})
}

// UpdateMessage replaces a message body locally and queues the edit.
func (c *Coordinator) UpdateMessage(ctx context.Context, conversationID, messageID string, body chat.Body) (string, error) {
	a := chat.UpdateMessage{ConversationID: conversationID, MessageID: messageID, Body: body}
	return c.enqueueAction(a, func() error {
		_, err := c.db.UpdateMessageBody(conversationID, messageID, body)
		return err
	})
}

func (c *Coordinator) enqueueAction(a chat.Action, applyLocal func() error) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if err := chat.ValidateAction(a); err != nil {
		return "", err
	}
	if err := applyLocal(); err != nil {
		c.warnStorage(fmt.Errorf("%w: apply %s locally: %v", chat.ErrStorage, a.Kind(), err))
	}
	queueID, err := c.queue.EnqueueAction(a, 0)
	if err != nil {
		return "", err
	}
	if c.monitor.Online() {
		c.kick(false)
	}
	return queueID, nil
}
