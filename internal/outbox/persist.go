package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

const snapshotVersion = 1

// snapshot is the persisted JSON blob holding both collections.
type snapshot struct {
	Version  int            `json:"version"`
	SavedAt  int64          `json:"savedAt"`
	Messages []*MessageItem `json:"messages"`
	Actions  []*ActionItem  `json:"actions"`
}

// normalize drops delivered items and returns in-flight ones to pending.
// changed counts items it dropped or rewrote.
func (s *snapshot) normalize() (msgs []*MessageItem, acts []*ActionItem, recovered, changed int) {
	for _, it := range s.Messages {
		if it == nil || it.QueueID == "" {
			continue
		}
		switch it.Status {
		case MessageSent:
			changed++
			continue
		case MessageSending:
			it.Status = MessagePending
			recovered++
		case MessagePending, MessageFailed:
		default:
			it.Status = MessagePending
			changed++
		}
		msgs = append(msgs, it)
	}
	for _, it := range s.Actions {
		if it == nil || it.QueueID == "" {
			continue
		}
		switch it.Status {
		case ActionCompleted:
			changed++
			continue
		case ActionProcessing:
			it.Status = ActionPending
			recovered++
		case ActionPending, ActionFailed:
		default:
			it.Status = ActionPending
			changed++
		}
		acts = append(acts, it)
	}
	return msgs, acts, recovered, changed + recovered
}

func (q *Queue) read(ctx context.Context) (*snapshot, error) {
	if q.store == nil {
		return &snapshot{}, nil
	}
	raw, ok, err := q.store.Get(ctx, q.opts.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", chat.ErrStorage, q.opts.StorageKey, err)
	}
	if !ok || raw == "" {
		return &snapshot{}, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", chat.ErrStorage, q.opts.StorageKey, err)
	}
	return &snap, nil
}

// Flush writes the queue now if it changed since the last successful write.
func (q *Queue) Flush(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	version := q.version
	if version == q.saved {
		q.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UnixMilli(),
		Messages: q.messages,
		Actions:  q.actions,
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: encode queue: %v", chat.ErrStorage, err)
	}

	if err := q.store.Set(ctx, q.opts.StorageKey, string(data)); err != nil {
		return fmt.Errorf("%w: write %s: %v", chat.ErrStorage, q.opts.StorageKey, err)
	}
	q.saved = version
	return nil
}

// run persists on every change signal and on each tick until stop closes.
func (q *Queue) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.opts.PersistInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-q.dirty:
			q.persist(ctx)
		case <-ticker.C:
			q.persist(ctx)
		case <-stop:
			return
		}
	}
}

func (q *Queue) persist(ctx context.Context) {
	if err := q.Flush(ctx); err != nil {
		// The in-memory queue stays authoritative; the next change or tick retries.
		q.logger.Error("queue persist failed", zap.Error(err))
	}
}
