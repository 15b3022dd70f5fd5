package api

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type echoTransport struct{ n atomic.Int64 }

func (e *echoTransport) SendMessage(_ context.Context, m *chat.Message) (*chat.Message, error) {
	out := m.Clone()
	out.ID = fmt.Sprintf("srv-%d", e.n.Add(1))
	out.IsOptimistic = false
	out.Status = chat.StatusSent
	return out, nil
}

func (e *echoTransport) ExecuteAction(context.Context, chat.Action) error { return nil }

func startServer(t *testing.T) (*Client, *connectivity.Monitor) {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := zap.NewDevelopment()
	b := bus.New()
	mon := connectivity.NewMonitor(connectivity.State{Foreground: true}, b, logger)
	coord := intsync.NewCoordinator(intsync.Deps{
		Queue:     outbox.NewQueue(db.KV(), b, logger, outbox.Options{}),
		Transport: &echoTransport{},
		DB:        db,
		Monitor:   mon,
		Machine:   status.NewMachine(b),
		Bus:       b,
		Logger:    logger,
	}, intsync.Options{})
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = coord.Destroy(context.Background()) })

	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, NewQueueService(coord, mon, b, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mon
}

func TestSendOfflineThenGoOnline(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.SendMessage(ctx, &SendMessageRequest{Request: intsync.SendRequest{
		ConversationID: "c1", SenderID: "me", RecipientID: "bob", Body: chat.Body{Text: "hello"},
	}})
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if !res.Success || !res.Queued || !chat.IsPlaceholderID(res.OptimisticID) {
		t.Fatalf("unexpected result %+v", res)
	}

	st, err := client.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsOnline || st.QueueStats.Pending != 1 || st.Health != intsync.Warning {
		t.Errorf("offline status = %+v", st)
	}

	online := true
	conn, err := client.SetConnectivity(ctx, &ConnectivityRequest{Network: &online})
	if err != nil {
		t.Fatal(err)
	}
	if !conn.Online {
		t.Error("expected online after SetConnectivity")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs, err := client.GetMessages(ctx, &GetMessagesRequest{ConversationID: "c1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs.Messages) == 1 && msgs.Messages[0].ID == "srv-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not confirmed: %+v", msgs.Messages)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidationMapsToInvalidArgument(t *testing.T) {
	client, _ := startServer(t)
	_, err := client.SendMessage(context.Background(), &SendMessageRequest{Request: intsync.SendRequest{ConversationID: "c1"}})
	if got := grpcstatus.Code(err); got != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument (err %v)", got, err)
	}
}

func TestWatchEventsStreamsQueueEvents(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kinds := make(chan string, 8)
	go func() {
		_ = client.WatchEvents(ctx, bus.NamespaceQueue, func(e *EventEnvelope) error {
			kinds <- e.Kind
			return nil
		})
	}()

	// the subscription is registered asynchronously; send until an event arrives
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case k := <-kinds:
			if k != bus.ItemQueued {
				t.Errorf("kind = %q, want %s", k, bus.ItemQueued)
			}
			return
		case <-tick.C:
			_, err := client.SendMessage(ctx, &SendMessageRequest{Request: intsync.SendRequest{
				ConversationID: "c1", SenderID: "me", RecipientID: "bob", Body: chat.Body{Text: "ping"},
			}})
			if err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{chat.ErrValidation, codes.InvalidArgument},
		{fmt.Errorf("wrap: %w", chat.ErrNotInitialized), codes.FailedPrecondition},
		{chat.ErrNotFound, codes.NotFound},
		{chat.ErrNetwork, codes.Unavailable},
		{chat.ErrStorage, codes.Internal},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
