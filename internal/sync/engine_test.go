package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, *Reconciler) {
	t.Helper()
	db := testDB(t)
	r := NewReconciler(db, bus.New(), nil)
	return NewEngine(db, r, bus.New(), nil), r
}

func TestIngestIsIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	m := &chat.Message{ID: "srv-1", ConversationID: "c1", SenderID: "bob", Body: chat.Body{Text: "hi"}, CreatedAt: 10, Status: chat.StatusDelivered}

	require.NoError(t, e.IngestBatch([]*chat.Message{m}))
	require.NoError(t, e.IngestBatch([]*chat.Message{m}))

	msgs, err := e.db.ListMessages("c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestIngestRejectsPlaceholderIDs(t *testing.T) {
	e, _ := newEngine(t)
	err := e.IngestBatch([]*chat.Message{{ID: chat.PlaceholderID("abc"), ConversationID: "c1", CreatedAt: 1}})
	require.ErrorIs(t, err, chat.ErrValidation)

	err = e.IngestBatch([]*chat.Message{{ID: "srv-1"}})
	require.ErrorIs(t, err, chat.ErrValidation)
}

func TestIngestReplacesPlaceholderWithSameClientID(t *testing.T) {
	e, r := newEngine(t)
	p := &chat.Message{ConversationID: "c1", SenderID: "me", RecipientID: "bob", Body: chat.Body{Text: "hi"}}
	require.NoError(t, r.Placeholder(p))
	require.Equal(t, 1, r.OptimisticCount())

	echo := &chat.Message{ID: "srv-9", ClientID: p.ClientID, ConversationID: "c1", SenderID: "me", Body: p.Body, CreatedAt: p.CreatedAt, Status: chat.StatusDelivered}
	require.NoError(t, e.IngestBatch([]*chat.Message{echo}))

	require.Equal(t, 0, r.OptimisticCount())
	require.Equal(t, "srv-9", r.ResolveID(p.ID))
	msgs, err := e.db.ListMessages("c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-9", msgs[0].ID)
}

type fetchFunc func(ctx context.Context, conversationID string, since int64) ([]*chat.Message, error)

func (f fetchFunc) FetchMessages(ctx context.Context, conversationID string, since int64) ([]*chat.Message, error) {
	return f(ctx, conversationID, since)
}

func TestPullAdvancesCheckpoint(t *testing.T) {
	e, r := newEngine(t)
	var sinces []int64
	f := fetchFunc(func(_ context.Context, _ string, since int64) ([]*chat.Message, error) {
		sinces = append(sinces, since)
		if since > 0 {
			return nil, nil
		}
		return []*chat.Message{
			{ID: "srv-1", SenderID: "bob", CreatedAt: 50},
			{ID: "srv-2", SenderID: "bob", CreatedAt: 70},
		}, nil
	})

	n, err := e.Pull(context.Background(), f, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = e.Pull(context.Background(), f, "c1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, []int64{0, 70}, sinces)

	cp, err := r.Checkpoint("c1")
	require.NoError(t, err)
	require.Equal(t, int64(70), cp)
}

func TestPullFetchError(t *testing.T) {
	e, r := newEngine(t)
	f := fetchFunc(func(context.Context, string, int64) ([]*chat.Message, error) {
		return nil, errors.Join(chat.ErrNetwork, errors.New("dial tcp: refused"))
	})
	_, err := e.Pull(context.Background(), f, "c1")
	require.ErrorIs(t, err, chat.ErrNetwork)
	cp, err := r.Checkpoint("c1")
	require.NoError(t, err)
	require.Zero(t, cp)
}
