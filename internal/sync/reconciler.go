package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageEvent is the payload of message.* events.
type MessageEvent struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	PlaceholderID  string      `json:"placeholderId,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
	Status         chat.Status `json:"status,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Reconciler keeps optimistic placeholder rows in the conversation store in
// step with the queue, and swaps them for server copies once confirmed.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	logger = logging.OrNop(logger)
	return &Reconciler{db: db, bus: b, logger: logger}
}

// Placeholder makes m an optimistic message and stores it so it renders immediately.
// A missing client id is generated; the id is always derived from it.
func (r *Reconciler) Placeholder(m *chat.Message) error {
	if m.ClientID == "" {
		m.ClientID = chat.NewClientID()
	}
	m.ID = chat.PlaceholderID(m.ClientID)
	m.IsOptimistic = true
	m.Status = chat.StatusPending
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	inserted, err := r.db.InsertPlaceholder(m)
	if err != nil {
		return fmt.Errorf("%w: insert placeholder: %v", chat.ErrStorage, err)
	}
	if !inserted {
		r.logger.Debug("placeholder already confirmed, not inserted", zap.String("client_id", m.ClientID))
		return nil
	}
	r.bus.Emit(bus.MessageUpserted, MessageEvent{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ClientID:       m.ClientID,
		Status:         m.Status,
	})
	return nil
}

// Confirm replaces the placeholder with the server's copy in a single transaction.
// Fields the server left empty are taken from the placeholder.
func (r *Reconciler) Confirm(placeholder chat.Message, server *chat.Message) (*chat.Message, error) {
	if server == nil || server.ID == "" {
		return nil, errors.New("server message has no id")
	}
	if chat.IsPlaceholderID(server.ID) {
		return nil, fmt.Errorf("server returned placeholder id %s", server.ID)
	}
	confirmed := server.Clone()
	confirmed.IsOptimistic = false
	if confirmed.ClientID == "" {
		confirmed.ClientID = placeholder.ClientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = placeholder.ConversationID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = placeholder.SenderID
	}
	if confirmed.RecipientID == "" {
		confirmed.RecipientID = placeholder.RecipientID
	}
	if confirmed.Body.Empty() {
		confirmed.Body = placeholder.Body
	}
	if confirmed.CreatedAt == 0 {
		confirmed.CreatedAt = placeholder.CreatedAt
	}
	confirmed.Status = chat.Further(chat.StatusSent, confirmed.Status)

	if err := r.db.ConfirmPlaceholder(placeholder.ID, confirmed); err != nil {
		return nil, fmt.Errorf("%w: confirm %s: %v", chat.ErrStorage, placeholder.ID, err)
	}
	r.bus.Emit(bus.MessageConfirmed, MessageEvent{
		ConversationID: confirmed.ConversationID,
		MessageID:      confirmed.ID,
		PlaceholderID:  placeholder.ID,
		ClientID:       confirmed.ClientID,
		Status:         confirmed.Status,
	})
	return confirmed, nil
}

// Reject flags the placeholder as failed. It stays visible and retryable.
func (r *Reconciler) Reject(placeholder chat.Message, reason error) error {
	if _, err := r.db.SetMessageStatus(placeholder.ConversationID, placeholder.ID, chat.StatusFailed); err != nil {
		return fmt.Errorf("%w: reject %s: %v", chat.ErrStorage, placeholder.ID, err)
	}
	evt := MessageEvent{
		ConversationID: placeholder.ConversationID,
		MessageID:      placeholder.ID,
		ClientID:       placeholder.ClientID,
		Status:         chat.StatusFailed,
	}
	if reason != nil {
		evt.Error = reason.Error()
	}
	r.bus.Emit(bus.MessageFailed, evt)
	return nil
}

// MarkStatus mirrors a queue transition (pending, sending) onto the placeholder row.
func (r *Reconciler) MarkStatus(placeholder chat.Message, s chat.Status) error {
	found, err := r.db.SetMessageStatus(placeholder.ConversationID, placeholder.ID, s)
	if err != nil {
		return fmt.Errorf("%w: mark %s %s: %v", chat.ErrStorage, placeholder.ID, s, err)
	}
	if found {
		r.bus.Emit(bus.MessageUpserted, MessageEvent{
			ConversationID: placeholder.ConversationID,
			MessageID:      placeholder.ID,
			ClientID:       placeholder.ClientID,
			Status:         s,
		})
	}
	return nil
}

// Discard deletes a placeholder the user gave up on.
func (r *Reconciler) Discard(placeholder chat.Message) error {
	if _, err := r.db.DeleteMessage(placeholder.ConversationID, placeholder.ID); err != nil {
		return fmt.Errorf("%w: discard %s: %v", chat.ErrStorage, placeholder.ID, err)
	}
	return nil
}

// ResolveID maps a confirmed placeholder id to its server id. Any other id is returned unchanged.
func (r *Reconciler) ResolveID(id string) string {
	clientID := chat.ClientIDOf(id)
	if clientID == "" {
		return id
	}
	serverID, err := r.db.ResolveClientID(clientID)
	if err != nil {
		r.logger.Warn("resolve placeholder failed", zap.String("id", id), zap.Error(err))
		return id
	}
	if serverID == "" {
		return id
	}
	return serverID
}

// OptimisticCount returns the number of unconfirmed placeholders.
func (r *Reconciler) OptimisticCount() int {
	n, err := r.db.CountOptimistic()
	if err != nil {
		r.logger.Warn("count optimistic messages failed", zap.Error(err))
		return 0
	}
	return n
}

// Checkpoint returns the inbound sync cursor of a conversation (unix ms, 0 if never synced).
func (r *Reconciler) Checkpoint(conversationID string) (int64, error) {
	c, err := r.db.GetConversation(conversationID)
	if err != nil || c == nil {
		return 0, err
	}
	return c.SyncedAt, nil
}

// UpdateCheckpoint advances the inbound sync cursor. It never moves backwards.
func (r *Reconciler) UpdateCheckpoint(conversationID string, ts int64) error {
	return r.db.SetSyncedAt(conversationID, ts)
}
