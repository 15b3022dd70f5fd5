package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of server messages into the store.
type Engine struct {
	db         *store.DB
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
}

// IngestEvent is the payload of message.ingested.
type IngestEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	Count          int    `json:"count"`
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, r *Reconciler, b *bus.Bus, logger *zap.Logger) *Engine {
	logger = logging.OrNop(logger)
	return &Engine{db: db, reconciler: r, bus: b, logger: logger}
}

// IngestBatch stores server messages in one transaction (idempotent, last write
// wins). A message carrying the client id of a local placeholder replaces it.
func (e *Engine) IngestBatch(msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if err := checkServerMessage(m); err != nil {
			return err
		}
	}
	if err := e.db.UpsertBatch(msgs); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	e.bus.Emit(bus.MessagesIngested, IngestEvent{ConversationID: msgs[0].ConversationID, Count: len(msgs)})
	return nil
}

// Pull fetches everything newer than the conversation checkpoint, ingests it,
// and advances the checkpoint to the newest message seen.
func (e *Engine) Pull(ctx context.Context, f Fetcher, conversationID string) (int, error) {
	since, err := e.reconciler.Checkpoint(conversationID)
	if err != nil {
		return 0, fmt.Errorf("%w: read checkpoint: %v", chat.ErrStorage, err)
	}
	msgs, err := f.FetchMessages(ctx, conversationID, since)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", conversationID, err)
	}
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
	}
	if err := e.IngestBatch(msgs); err != nil {
		return 0, err
	}
	newest := since
	for _, m := range msgs {
		if m.CreatedAt > newest {
			newest = m.CreatedAt
		}
	}
	if newest > since {
		if err := e.reconciler.UpdateCheckpoint(conversationID, newest); err != nil {
			e.logger.Warn("checkpoint not saved", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	e.logger.Debug("conversation pulled",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(msgs)),
		zap.Int64("since", since))
	return len(msgs), nil
}

func checkServerMessage(m *chat.Message) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", chat.ErrValidation)
	case m.ID == "" || m.ConversationID == "":
		return fmt.Errorf("%w: server message needs id and conversation id", chat.ErrValidation)
	case chat.IsPlaceholderID(m.ID):
		return fmt.Errorf("%w: server message %s uses a placeholder id", chat.ErrValidation, m.ID)
	}
	if m.IsOptimistic {
		m.IsOptimistic = false
	}
	if !m.Status.Valid() {
		m.Status = chat.StatusSent
	}
	return nil
}
