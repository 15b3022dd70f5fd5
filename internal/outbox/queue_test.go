package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	failGet bool
	failSet bool
	sets    int
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return "", false, errors.New("disk on fire")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("disk full")
	}
	m.sets++
	m.data[key] = value
	return nil
}

func (m *memKV) raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

func newTestQueue(t *testing.T, kv Persister, b *bus.Bus, opts Options) *Queue {
	t.Helper()
	q := NewQueue(kv, b, zap.NewNop(), opts)
	require.NoError(t, q.Load(context.Background()))
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func draft(conv, text string) chat.Message {
	clientID := chat.NewClientID()
	return chat.Message{
		ID:             chat.PlaceholderID(clientID),
		ClientID:       clientID,
		ConversationID: conv,
		SenderID:       "me",
		RecipientID:    "bob",
		Body:           chat.Body{Text: text},
		CreatedAt:      time.Now().UnixMilli(),
		Status:         chat.StatusPending,
		IsOptimistic:   true,
	}
}

func TestEnqueueBeforeLoad(t *testing.T) {
	q := NewQueue(newMemKV(), nil, nil, Options{})
	_, err := q.EnqueueMessage(draft("c1", "hi"))
	require.ErrorIs(t, err, chat.ErrNotInitialized)
	_, err = q.EnqueueAction(chat.DeleteMessage{ConversationID: "c1", MessageID: "m1"}, 0)
	require.ErrorIs(t, err, chat.ErrNotInitialized)
}

func TestEnqueueMessage(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.NamespaceQueue, 8)
	defer unsub()
	q := newTestQueue(t, newMemKV(), b, Options{})

	m := draft("c1", "hello")
	id, err := q.EnqueueMessage(m)
	require.NoError(t, err)
	require.Contains(t, id, "q-")
	require.NotEqual(t, m.ID, id)

	it, ok := q.Message(id)
	require.True(t, ok)
	require.Equal(t, MessagePending, it.Status)
	require.Equal(t, 0, it.RetryCount)

	// same client id is not queued twice
	again, err := q.EnqueueMessage(m)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Len(t, q.Messages(), 1)

	select {
	case evt := <-events:
		require.Equal(t, bus.ItemQueued, evt.Kind)
		require.Equal(t, id, evt.Payload.(ItemEvent).QueueID)
	case <-time.After(time.Second):
		t.Fatal("no queued event")
	}
}

func TestQueueIDsAreUnique(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := q.EnqueueMessage(draft("c1", fmt.Sprint(i)))
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate queue id %s", id)
		seen[id] = true
	}
}

func TestEvictionRemovesOldestPendingOrFailed(t *testing.T) {
	b := bus.New()
	q := newTestQueue(t, newMemKV(), b, Options{MaxQueueSize: 3})
	var evicted []MessageItem
	q.OnEvict(func(it MessageItem) { evicted = append(evicted, it) })

	first, _ := q.EnqueueMessage(draft("c1", "1"))
	second, _ := q.EnqueueMessage(draft("c1", "2"))
	third, _ := q.EnqueueMessage(draft("c1", "3"))
	// in flight items are never evicted
	_, ok := q.ClaimMessage(first)
	require.True(t, ok)

	removed, unsub := b.Subscribe(bus.ItemRemoved, 4)
	defer unsub()

	fourth, err := q.EnqueueMessage(draft("c1", "4"))
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for _, it := range q.Messages() {
			out = append(out, it.QueueID)
		}
		return out
	}
	require.Equal(t, []string{first, third, fourth}, ids())
	require.Len(t, evicted, 1)
	require.Equal(t, second, evicted[0].QueueID)

	select {
	case evt := <-removed:
		p := evt.Payload.(ItemEvent)
		require.Equal(t, second, p.QueueID)
		require.Equal(t, ReasonEvicted, p.Reason)
	case <-time.After(time.Second):
		t.Fatal("no removal event")
	}
}

func TestEvictionWithNothingEvictableKeepsNewest(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{MaxQueueSize: 1})
	first, _ := q.EnqueueMessage(draft("c1", "1"))
	_, ok := q.ClaimMessage(first)
	require.True(t, ok)

	newest, err := q.EnqueueMessage(draft("c1", "2"))
	require.NoError(t, err)
	_, ok = q.Message(newest)
	require.True(t, ok)
	require.Len(t, q.Messages(), 2)
}

func TestReloadRestoresNonTerminalItems(t *testing.T) {
	kv := newMemKV()
	q := NewQueue(kv, nil, zap.NewNop(), Options{})
	require.NoError(t, q.Load(context.Background()))

	pending, _ := q.EnqueueMessage(draft("c1", "pending"))
	inFlight, _ := q.EnqueueMessage(draft("c1", "in flight"))
	sent, _ := q.EnqueueMessage(draft("c1", "sent"))
	failed, _ := q.EnqueueMessage(draft("c2", "failed"))
	action, _ := q.EnqueueAction(chat.MarkRead{ConversationID: "c1", MessageIDs: []string{"m1"}}, 5)
	done, _ := q.EnqueueAction(chat.DeleteMessage{ConversationID: "c1", MessageID: "m2"}, 0)

	q.ClaimMessage(inFlight)
	q.ClaimMessage(sent)
	q.MarkMessageSent(sent)
	q.ClaimMessage(failed)
	q.MarkMessageFailed(failed, chat.ErrRejected)
	q.ClaimAction(done)
	q.MarkActionCompleted(done)

	require.NoError(t, q.Close(context.Background()))

	reloaded := NewQueue(kv, nil, zap.NewNop(), Options{})
	require.NoError(t, reloaded.Load(context.Background()))
	defer reloaded.Close(context.Background())

	msgs := reloaded.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, pending, msgs[0].QueueID)
	require.Equal(t, MessagePending, msgs[0].Status)
	require.Equal(t, inFlight, msgs[1].QueueID)
	require.Equal(t, MessagePending, msgs[1].Status, "in-flight item must be retried after restart")
	require.Equal(t, failed, msgs[2].QueueID)
	require.Equal(t, MessageFailed, msgs[2].Status)
	require.Equal(t, "c2", msgs[2].Message.ConversationID)

	acts := reloaded.Actions()
	require.Len(t, acts, 1)
	require.Equal(t, action, acts[0].QueueID)
	require.Equal(t, 5, acts[0].MaxRetries)
	mr, ok := acts[0].Action.(chat.MarkRead)
	require.True(t, ok)
	require.Equal(t, []string{"m1"}, mr.MessageIDs)
}

func TestWriteThroughPersistsWithoutClose(t *testing.T) {
	kv := newMemKV()
	q := newTestQueue(t, kv, nil, Options{PersistInterval: time.Hour})

	id, err := q.EnqueueMessage(draft("c1", "hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(kv.raw(StorageKey), id)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStorageFailureIsSwallowed(t *testing.T) {
	kv := newMemKV()
	kv.failGet = true
	q := newTestQueue(t, kv, nil, Options{})
	require.True(t, q.Loaded())

	kv.mu.Lock()
	kv.failSet = true
	kv.mu.Unlock()

	id, err := q.EnqueueMessage(draft("c1", "still works"))
	require.NoError(t, err)
	_, ok := q.Message(id)
	require.True(t, ok)
	require.ErrorIs(t, q.Flush(context.Background()), chat.ErrStorage)
}

func TestUnreadableBlobIsNotOverwrittenUntilChanged(t *testing.T) {
	kv := newMemKV()
	kv.data[StorageKey] = "{not json"
	q := newTestQueue(t, kv, nil, Options{})
	require.Empty(t, q.Messages())
	require.NoError(t, q.Flush(context.Background()))
	require.Equal(t, "{not json", kv.raw(StorageKey))
}

func TestAttemptFailedFollowsPolicy(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 3}
	id, _ := q.EnqueueMessage(draft("c1", "x"))
	cause := fmt.Errorf("%w: timeout", chat.ErrNetwork)

	for attempt := 1; attempt <= 3; attempt++ {
		_, ok := q.ClaimMessage(id)
		require.True(t, ok, "attempt %d", attempt)
		_, ok = q.ClaimMessage(id)
		require.False(t, ok, "double claim on attempt %d", attempt)

		before := time.Now().UnixMilli()
		it, ok := q.MessageAttemptFailed(id, cause, p)
		require.True(t, ok)
		require.Equal(t, attempt, it.RetryCount)
		require.Contains(t, it.Error, "timeout")
		if attempt < 3 {
			require.Equal(t, MessagePending, it.Status)
			require.GreaterOrEqual(t, it.NextAttemptAt, before+p.Delay(attempt).Milliseconds())
		} else {
			require.Equal(t, MessageFailed, it.Status)
			require.Zero(t, it.NextAttemptAt)
		}
	}
	_, ok := q.ClaimMessage(id)
	require.False(t, ok, "failed item must not be claimable")

	it, ok := q.ResetMessage(id)
	require.True(t, ok)
	require.Equal(t, MessagePending, it.Status)
	require.Equal(t, 0, it.RetryCount)
	require.Empty(t, it.Error)
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	id, _ := q.EnqueueMessage(draft("c1", "x"))

	_, ok := q.ReleaseMessage(id)
	require.False(t, ok, "pending item is not in flight")

	_, ok = q.ClaimMessage(id)
	require.True(t, ok)
	it, ok := q.ReleaseMessage(id)
	require.True(t, ok)
	require.Equal(t, MessagePending, it.Status)
	require.Zero(t, it.RetryCount)
	require.Zero(t, it.LastRetryAt)

	act, err := q.EnqueueAction(chat.MarkRead{ConversationID: "c1", MessageIDs: []string{"m1"}}, 0)
	require.NoError(t, err)
	_, ok = q.ClaimAction(act)
	require.True(t, ok)
	ai, ok := q.ReleaseAction(act)
	require.True(t, ok)
	require.Equal(t, ActionPending, ai.Status)
	require.Zero(t, ai.RetryCount)
}

func TestActionRetryUsesItemLimit(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	p := retry.DefaultPolicy()
	id, err := q.EnqueueAction(chat.UpdateMessage{ConversationID: "c1", MessageID: "m1", Body: chat.Body{Text: "edit"}}, 1)
	require.NoError(t, err)

	_, ok := q.ClaimAction(id)
	require.True(t, ok)
	it, ok := q.ActionAttemptFailed(id, errors.New("boom"), p)
	require.True(t, ok)
	require.Equal(t, ActionFailed, it.Status)

	it, ok = q.ResetAction(id)
	require.True(t, ok)
	require.Equal(t, ActionPending, it.Status)
	_, ok = q.ClaimAction(id)
	require.True(t, ok)
	it, _ = q.MarkActionCompleted(id)
	require.Equal(t, ActionCompleted, it.Status)
	require.True(t, q.RemoveDelivered(id))
	require.Empty(t, q.Actions())
}

func TestEnqueueActionValidates(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	_, err := q.EnqueueAction(chat.MarkRead{ConversationID: "c1"}, 0)
	require.ErrorIs(t, err, chat.ErrValidation)
}

func TestClearFailedMessagesAndStats(t *testing.T) {
	q := newTestQueue(t, newMemKV(), nil, Options{})
	a, _ := q.EnqueueMessage(draft("c1", "a"))
	b, _ := q.EnqueueMessage(draft("c1", "b"))
	_, _ = q.EnqueueMessage(draft("c1", "c"))
	_, _ = q.EnqueueAction(chat.DeleteMessage{ConversationID: "c1", MessageID: "m1"}, 0)
	q.MarkMessageFailed(a, chat.ErrRejected)
	q.MarkMessageFailed(b, chat.ErrRejected)

	s := q.Stats()
	require.Equal(t, 3, s.Total)
	require.Equal(t, 2, s.Failed)
	require.Equal(t, 1, s.Pending)
	require.Equal(t, 1, s.ActionsPending)
	require.NotZero(t, s.OldestPendingAt)

	require.Len(t, q.Messages(MessageFailed), 2)
	removed := q.ClearFailedMessages()
	require.Len(t, removed, 2)
	require.Empty(t, q.Messages(MessageFailed))
	require.Len(t, q.Messages(), 1)

	require.False(t, q.RemoveDelivered(a), "already removed")
	q.Clear()
	require.Equal(t, Stats{}, q.Stats())
}
