package sync

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeTransport records calls and can fail or block on demand.
type fakeTransport struct {
	mu          gosync.Mutex
	sends       []chat.Message
	actions     []chat.Action
	ops         []string
	inFlight    int
	maxInFlight int
	failNext    int
	failErr     error
	block       chan struct{}
	skew        time.Duration
	seq         int
	inbox       map[string][]*chat.Message
}

func (f *fakeTransport) SendMessage(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, *m)
	f.ops = append(f.ops, "send:"+m.ClientID)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	failErr := f.failErr
	block := f.block
	skew := f.skew
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, failErr
	}
	return &chat.Message{
		ID:             fmt.Sprintf("srv-%d", seq),
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt + skew.Milliseconds(),
		Status:         chat.StatusSent,
	}, nil
}

func (f *fakeTransport) ExecuteAction(_ context.Context, a chat.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	f.ops = append(f.ops, "action:"+string(a.Kind()))
	return nil
}

func (f *fakeTransport) FetchMessages(_ context.Context, conversationID string, since int64) ([]*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*chat.Message
	for _, m := range f.inbox[conversationID] {
		if m.CreatedAt > since {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) setBlock(ch chan struct{}) {
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
}

func (f *fakeTransport) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeTransport) fail(n int, err error) {
	f.mu.Lock()
	f.failNext = n
	f.failErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type harness struct {
	c   *Coordinator
	db  *store.DB
	q   *outbox.Queue
	mon *connectivity.Monitor
	tr  *fakeTransport
	bus *bus.Bus
}

func testOptions() Options {
	return Options{
		Policy:        retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxRetries: 3},
		DrainInterval: time.Hour,
		SentGrace:     time.Hour,
		ActionGrace:   time.Hour,
	}
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	h := &harness{db: testDB(t), tr: &fakeTransport{inbox: make(map[string][]*chat.Message)}, bus: bus.New()}
	h.mon = connectivity.NewMonitor(connectivity.State{Network: online, Foreground: true}, h.bus, nil)
	h.start(t, opts)
	return h
}

// start builds a fresh queue and coordinator over the harness database, as after a restart.
func (h *harness) start(t *testing.T, opts Options) {
	t.Helper()
	logger := zap.NewNop()
	h.q = outbox.NewQueue(h.db.KV(), h.bus, logger, outbox.Options{PersistInterval: time.Hour})
	h.c = NewCoordinator(Deps{
		Queue:     h.q,
		Transport: h.tr,
		DB:        h.db,
		Monitor:   h.mon,
		Machine:   status.NewMachine(h.bus),
		Bus:       h.bus,
		Logger:    logger,
	}, opts)
	if err := h.c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := h.c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Destroy(ctx)
	})
}

func (h *harness) send(t *testing.T, conv, text string) SendResult {
	t.Helper()
	res, err := h.c.SendMessage(context.Background(), SendRequest{
		ConversationID: conv,
		SenderID:       "me",
		RecipientID:    "bob",
		Body:           chat.Body{Text: text},
	}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	return res
}

func (h *harness) item(t *testing.T, queueID string) outbox.MessageItem {
	t.Helper()
	it, ok := h.q.Message(queueID)
	if !ok {
		t.Fatalf("queue item %s missing", queueID)
	}
	return it
}

// idle waits until no drain is running.
func (h *harness) idle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !h.c.GetStatus().Processing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("drain still running")
}
