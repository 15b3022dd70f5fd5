// Package outbox is the durable outbound queue of messages and actions.
//
// The in-memory queue is authoritative. Every mutation schedules a write of the
// whole queue to a Persister, and an interval ticker persists as a safety net.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/retry"
	"go.uber.org/zap"
)

// StorageKey is where the queue blob lives in the Persister.
const StorageKey = "chatsync.outbox.v1"

// Persister is the key-value store the queue is saved to.
type Persister interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Options tunes a Queue. Zero values fall back to defaults.
type Options struct {
	MaxQueueSize     int
	MaxActionRetries int
	PersistInterval  time.Duration
	StorageKey       string
}

func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 500
	}
	if o.MaxActionRetries <= 0 {
		o.MaxActionRetries = 3
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 10 * time.Second
	}
	if o.StorageKey == "" {
		o.StorageKey = StorageKey
	}
	return o
}

// Queue holds queued messages and actions in enqueue order.
type Queue struct {
	mu       sync.Mutex
	messages []*MessageItem
	actions  []*ActionItem
	loaded   bool
	version  uint64
	onEvict  func(MessageItem)

	writeMu sync.Mutex
	saved   uint64

	store  Persister
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	dirty chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewQueue creates an unloaded queue. Call Load before enqueueing.
func NewQueue(store Persister, b *bus.Bus, logger *zap.Logger, opts Options) *Queue {
	logger = logging.OrNop(logger)
	return &Queue{
		store:  store,
		bus:    b,
		logger: logger,
		opts:   opts.withDefaults(),
		dirty:  make(chan struct{}, 1),
	}
}

// OnEvict registers a callback run (outside the queue lock) for each evicted message.
func (q *Queue) OnEvict(fn func(MessageItem)) {
	q.mu.Lock()
	q.onEvict = fn
	q.mu.Unlock()
}

// Loaded reports whether Load has completed.
func (q *Queue) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Load restores the persisted queue and starts the persist loop.
// Items that were in flight when the process died go back to pending; items
// already delivered are dropped. An unreadable blob is logged and the queue starts empty.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	if q.loaded {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	snap, err := q.read(ctx)
	if err != nil {
		q.logger.Error("queue load failed, starting empty", zap.Error(err))
		snap = &snapshot{}
	}
	messages, actions, recovered, changed := snap.normalize()

	q.writeMu.Lock()
	q.mu.Lock()
	q.messages = messages
	q.actions = actions
	q.loaded = true
	q.version++
	if changed == 0 {
		// Storage already holds exactly this; do not overwrite an unreadable blob with an empty queue.
		q.saved = q.version
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.run(q.stop, q.done)
	q.mu.Unlock()
	q.writeMu.Unlock()

	q.logger.Info("queue loaded",
		zap.Int("messages", len(messages)),
		zap.Int("actions", len(actions)),
		zap.Int("recovered_in_flight", recovered))
	if changed > 0 {
		q.signal()
	}
	return nil
}

// Close stops the persist loop and flushes the queue, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return nil
	}
	q.loaded = false
	stop, done := q.stop, q.done
	q.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for persist loop: %v", chat.ErrStorage, ctx.Err())
	}
	return q.Flush(ctx)
}

// EnqueueMessage appends a pending message and returns its queue id.
// A message whose client id is already queued is not added twice.
// When the queue is full the oldest pending or failed message is evicted first.
func (q *Queue) EnqueueMessage(m chat.Message) (string, error) {
	if m.ID == "" {
		return "", fmt.Errorf("%w: message has no id", chat.ErrValidation)
	}
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return "", chat.ErrNotInitialized
	}
	if m.ClientID != "" {
		for _, it := range q.messages {
			if it.Message.ClientID == m.ClientID {
				id := it.QueueID
				q.mu.Unlock()
				return id, nil
			}
		}
	}

	var evicted *MessageItem
	if len(q.messages) >= q.opts.MaxQueueSize {
		evicted = q.evictLocked()
		if evicted == nil {
			q.logger.Warn("queue full and nothing evictable, growing past limit",
				zap.Int("size", len(q.messages)), zap.Int("max", q.opts.MaxQueueSize))
		}
	}

	it := &MessageItem{
		QueueID:    newQueueID(),
		Message:    *m.Clone(),
		EnqueuedAt: time.Now().UnixMilli(),
		Status:     MessagePending,
	}
	q.messages = append(q.messages, it)
	evt := it.Event()
	onEvict := q.onEvict
	q.changedLocked()
	q.mu.Unlock()

	if evicted != nil {
		ev := evicted.Event()
		ev.Reason = ReasonEvicted
		q.bus.Emit(bus.ItemRemoved, ev)
		q.logger.Warn("queue full, evicted oldest message",
			zap.String("queue_id", evicted.QueueID), zap.String("msg_id", evicted.Message.ID))
		if onEvict != nil {
			onEvict(*evicted)
		}
	}
	q.bus.Emit(bus.ItemQueued, evt)
	return it.QueueID, nil
}

func (q *Queue) evictLocked() *MessageItem {
	for i, it := range q.messages {
		if it.Status == MessagePending || it.Status == MessageFailed {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return it
		}
	}
	return nil
}

// EnqueueAction appends a pending action. maxRetries <= 0 uses the queue default.
func (q *Queue) EnqueueAction(a chat.Action, maxRetries int) (string, error) {
	if err := chat.ValidateAction(a); err != nil {
		return "", err
	}
	if maxRetries <= 0 {
		maxRetries = q.opts.MaxActionRetries
	}
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return "", chat.ErrNotInitialized
	}
	it := &ActionItem{
		QueueID:    newQueueID(),
		Action:     a,
		EnqueuedAt: time.Now().UnixMilli(),
		MaxRetries: maxRetries,
		Status:     ActionPending,
	}
	q.actions = append(q.actions, it)
	evt := it.Event()
	q.changedLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.ItemQueued, evt)
	return it.QueueID, nil
}

// Remove deletes an item from either collection.
func (q *Queue) Remove(queueID string) bool {
	return q.remove(queueID, ReasonRemoved)
}

// RemoveDelivered deletes an item once its sent/completed grace period is over.
// Items that went back to another status in the meantime are kept.
func (q *Queue) RemoveDelivered(queueID string) bool {
	q.mu.Lock()
	ok := false
	for _, it := range q.messages {
		if it.QueueID == queueID {
			ok = it.Status == MessageSent
		}
	}
	for _, it := range q.actions {
		if it.QueueID == queueID {
			ok = it.Status == ActionCompleted
		}
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	return q.remove(queueID, ReasonDelivered)
}

func (q *Queue) remove(queueID, reason string) bool {
	q.mu.Lock()
	var evt *ItemEvent
	for i, it := range q.messages {
		if it.QueueID == queueID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			e := it.Event()
			evt = &e
			break
		}
	}
	if evt == nil {
		for i, it := range q.actions {
			if it.QueueID == queueID {
				q.actions = append(q.actions[:i], q.actions[i+1:]...)
				e := it.Event()
				evt = &e
				break
			}
		}
	}
	if evt != nil {
		q.changedLocked()
	}
	q.mu.Unlock()

	if evt == nil {
		return false
	}
	evt.Reason = reason
	q.bus.Emit(bus.ItemRemoved, *evt)
	return true
}

// Clear empties both collections.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.messages = nil
	q.actions = nil
	q.changedLocked()
	q.mu.Unlock()
}

// ClearFailedMessages removes every failed message and returns them.
func (q *Queue) ClearFailedMessages() []MessageItem {
	q.mu.Lock()
	var removed []MessageItem
	kept := q.messages[:0]
	for _, it := range q.messages {
		if it.Status == MessageFailed {
			removed = append(removed, it.clone())
			continue
		}
		kept = append(kept, it)
	}
	q.messages = kept
	if len(removed) > 0 {
		q.changedLocked()
	}
	q.mu.Unlock()

	for _, it := range removed {
		evt := it.Event()
		evt.Reason = ReasonCleared
		q.bus.Emit(bus.ItemRemoved, evt)
	}
	return removed
}

// Messages returns copies of message items in enqueue order, optionally filtered by status.
func (q *Queue) Messages(statuses ...MessageStatus) []MessageItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]MessageItem, 0, len(q.messages))
	for _, it := range q.messages {
		if matchStatus(it.Status, statuses) {
			out = append(out, it.clone())
		}
	}
	return out
}

// Actions returns copies of action items in enqueue order, optionally filtered by status.
func (q *Queue) Actions(statuses ...ActionStatus) []ActionItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ActionItem, 0, len(q.actions))
	for _, it := range q.actions {
		if matchStatus(it.Status, statuses) {
			out = append(out, it.clone())
		}
	}
	return out
}

// Message returns a copy of one message item.
func (q *Queue) Message(queueID string) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.findMessage(queueID); it != nil {
		return it.clone(), true
	}
	return MessageItem{}, false
}

// Action returns a copy of one action item.
func (q *Queue) Action(queueID string) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.findAction(queueID); it != nil {
		return it.clone(), true
	}
	return ActionItem{}, false
}

// Stats counts items by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	s.Total = len(q.messages)
	for _, it := range q.messages {
		switch it.Status {
		case MessagePending:
			s.Pending++
			if s.OldestPendingAt == 0 || it.EnqueuedAt < s.OldestPendingAt {
				s.OldestPendingAt = it.EnqueuedAt
			}
		case MessageSending:
			s.Sending++
		case MessageSent:
			s.Sent++
		case MessageFailed:
			s.Failed++
		}
	}
	s.ActionsTotal = len(q.actions)
	for _, it := range q.actions {
		switch it.Status {
		case ActionPending:
			s.ActionsPending++
		case ActionProcessing:
			s.ActionsProcessing++
		case ActionCompleted:
			s.ActionsCompleted++
		case ActionFailed:
			s.ActionsFailed++
		}
	}
	return s
}

func matchStatus[S comparable](s S, want []S) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func (q *Queue) findMessage(queueID string) *MessageItem {
	for _, it := range q.messages {
		if it.QueueID == queueID {
			return it
		}
	}
	return nil
}

func (q *Queue) findAction(queueID string) *ActionItem {
	for _, it := range q.actions {
		if it.QueueID == queueID {
			return it
		}
	}
	return nil
}

// changedLocked marks the queue dirty and wakes the persist loop. Caller holds q.mu.
func (q *Queue) changedLocked() {
	q.version++
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

func newQueueID() string {
	return "q-" + uuid.NewString()
}

// failure applies one failed attempt to retryCount and reports the new state.
func failure(p retry.Policy, retryCount int, now time.Time) (next int, exhausted bool, nextAttempt int64) {
	next = retryCount + 1
	if p.Exhausted(next) {
		return next, true, 0
	}
	return next, false, now.Add(p.Delay(next)).UnixMilli()
}
