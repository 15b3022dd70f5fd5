package sync

import (
	"context"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Transport delivers one message or one action to the chat service.
// Errors wrapping chat.ErrRejected are permanent; anything else is retried.
type Transport interface {
	SendMessage(ctx context.Context, m *chat.Message) (*chat.Message, error)
	ExecuteAction(ctx context.Context, a chat.Action) error
}

// Fetcher is implemented by transports that can list server messages.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, since int64) ([]*chat.Message, error)
}
