package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// DrainStats counts what one drain did.
type DrainStats struct {
	Ran       bool `json:"ran"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Deferred  int  `json:"deferred"`
}

func (s *DrainStats) add(o DrainStats) {
	s.Ran = s.Ran || o.Ran
	s.Attempted += o.Attempted
	s.Delivered += o.Delivered
	s.Failed += o.Failed
	s.Deferred += o.Deferred
}

// drainScope narrows a drain. force ignores armed backoff timers; pull fetches
// inbound messages after the outbound pass.
type drainScope struct {
	force          bool
	pull           bool
	conversationID string
}

// merge widens s to cover o as well.
func (s drainScope) merge(o drainScope) drainScope {
	if s.conversationID != o.conversationID {
		s.conversationID = ""
	}
	s.force = s.force || o.force
	s.pull = s.pull || o.pull
	return s
}

// drainRun is one drain owned by the coordinator. Fields are final once done is closed.
type drainRun struct {
	done    chan struct{}
	stats   DrainStats
	pulled  int
	pullErr error
}

// outcome of one attempt.
type outcome int

const (
	skipped outcome = iota
	delivered
	retrying
	failed
)

// ProcessQueue drains pending messages, then pending actions, in enqueue order,
// and waits for the drain to finish. It is a no-op when offline or when a drain
// is already running: the running drain is neither joined nor extended, and the
// returned stats have Ran false.
func (c *Coordinator) ProcessQueue(ctx context.Context) (DrainStats, error) {
	run, started, err := c.startDrain(drainScope{}, false)
	if err != nil || !started {
		return DrainStats{}, err
	}
	if err := await(ctx, run); err != nil {
		return DrainStats{Ran: true}, err
	}
	return run.stats, nil
}

// requestDrain is used by the coordinator's own triggers (retry timers, manual
// retries, sync, reconnect, new items). Unlike ProcessQueue it is folded into a
// running drain as one more pass, so the request is not lost.
func (c *Coordinator) requestDrain(scope drainScope) (*drainRun, error) {
	run, _, err := c.startDrain(scope, true)
	return run, err
}

// waitDrain requests a drain and waits for it on ctx. The attempts themselves
// run on the coordinator's context, so an expired ctx only stops the waiting.
// A nil run means the coordinator is offline.
func (c *Coordinator) waitDrain(ctx context.Context, scope drainScope) (*drainRun, error) {
	run, err := c.requestDrain(scope)
	if err != nil || run == nil {
		return nil, err
	}
	return run, await(ctx, run)
}

func await(ctx context.Context, run *drainRun) error {
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startDrain launches a drain on a coordinator goroutine, the only place the
// Transport is called from. With a drain already running it returns that run,
// folding scope into it as an extra pass when fold is set.
func (c *Coordinator) startDrain(scope drainScope, fold bool) (run *drainRun, started bool, err error) {
	if err := c.ready(); err != nil {
		return nil, false, err
	}
	if !c.monitor.Online() {
		return nil, false, nil
	}

	c.mu.Lock()
	if c.current != nil {
		run := c.current
		if fold {
			next := scope
			if c.next != nil {
				next = c.next.merge(scope)
			}
			c.next = &next
		}
		c.mu.Unlock()
		return run, false, nil
	}
	run = &drainRun{done: make(chan struct{})}
	c.current = run
	_ = c.machine.Transition(status.Draining)
	c.mu.Unlock()

	if !c.background(func(ctx context.Context) { c.runDrain(ctx, run, scope) }) {
		c.mu.Lock()
		c.current = nil
		c.next = nil
		c.mu.Unlock()
		close(run.done)
		return nil, false, chat.ErrNotInitialized
	}
	return run, true, nil
}

func (c *Coordinator) runDrain(ctx context.Context, run *drainRun, scope drainScope) {
	for {
		run.stats.add(c.drainPass(ctx, scope))
		if scope.pull && c.fetcher != nil && c.canContinue(ctx) {
			n, err := c.pull(ctx, scope.conversationID)
			run.pulled += n
			run.pullErr = errors.Join(run.pullErr, err)
		}

		c.mu.Lock()
		next := c.next
		c.next = nil
		if next == nil || ctx.Err() != nil {
			c.current = nil
			_ = c.machine.Transition(status.Ready)
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		scope = *next
	}
	run.stats.Ran = true
	close(run.done)
	c.logDrain(run.stats)
}

// pull fetches inbound messages for one conversation, or every known one.
func (c *Coordinator) pull(ctx context.Context, conversationID string) (int, error) {
	ids := []string{conversationID}
	if conversationID == "" {
		convs, err := c.db.ListConversations(1000, 0)
		if err != nil {
			return 0, fmt.Errorf("%w: list conversations: %v", chat.ErrStorage, err)
		}
		ids = ids[:0]
		for _, cv := range convs {
			ids = append(ids, cv.ID)
		}
	}
	var (
		total int
		errs  []error
	)
	for _, id := range ids {
		n, err := c.engine.Pull(ctx, c.fetcher, id)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// canContinue reports whether a drain pass may attempt another item.
func (c *Coordinator) canContinue(ctx context.Context) bool {
	return ctx.Err() == nil && c.machine.Accepting() && c.monitor.Online()
}

func (c *Coordinator) drainPass(ctx context.Context, scope drainScope) DrainStats {
	var stats DrainStats
	blocked := make(map[string]bool)

	for _, it := range c.queue.Messages() {
		conv := it.Message.ConversationID
		if scope.conversationID != "" && conv != scope.conversationID {
			continue
		}
		if c.opts.StrictConversationOrder && blocked[conv] {
			if it.Status == outbox.MessagePending {
				stats.Deferred++
			}
			continue
		}
		switch it.Status {
		case outbox.MessageSending:
			blocked[conv] = true
			continue
		case outbox.MessagePending:
		default:
			continue
		}
		if !c.canContinue(ctx) {
			return stats
		}
		if c.retries.Armed(it.QueueID) {
			if !scope.force {
				blocked[conv] = true
				stats.Deferred++
				continue
			}
			c.retries.Cancel(it.QueueID)
		}
		switch c.attemptMessage(ctx, it.QueueID) {
		case delivered:
			stats.Attempted++
			stats.Delivered++
		case failed:
			stats.Attempted++
			stats.Failed++
		case retrying:
			stats.Attempted++
			blocked[conv] = true
		case skipped:
			blocked[conv] = true
		}
	}

	for _, it := range c.queue.Actions(outbox.ActionPending) {
		if scope.conversationID != "" && it.Action.Conversation() != scope.conversationID {
			continue
		}
		if !c.canContinue(ctx) {
			return stats
		}
		if c.retries.Armed(it.QueueID) {
			if !scope.force {
				stats.Deferred++
				continue
			}
			c.retries.Cancel(it.QueueID)
		}
		switch c.attemptAction(ctx, it.QueueID) {
		case delivered:
			stats.Attempted++
			stats.Delivered++
		case failed:
			stats.Attempted++
			stats.Failed++
		case retrying:
			stats.Attempted++
		case skipped:
			stats.Deferred++
		}
	}
	return stats
}

// attemptMessage makes one delivery attempt. Only the drain owner calls it.
func (c *Coordinator) attemptMessage(ctx context.Context, queueID string) outcome {
	it, ok := c.queue.ClaimMessage(queueID)
	if !ok {
		return skipped
	}
	c.retries.Cancel(queueID)
	c.bus.Emit(bus.ItemSending, it.Event())
	c.warnStorage(c.reconciler.MarkStatus(it.Message, chat.StatusSending))

	msg := it.Message
	server, err := c.transport.SendMessage(ctx, &msg)
	if err == nil && server == nil {
		err = fmt.Errorf("%w: empty response", chat.ErrNetwork)
	}
	if err != nil {
		if ctx.Err() != nil {
			return c.messageAbandoned(it, err)
		}
		return c.messageFailed(it, err)
	}

	confirmed, err := c.reconciler.Confirm(it.Message, server)
	if err != nil {
		// delivered regardless; the next pull will bring the server copy in
		c.logger.Error("reconcile after send failed", zap.String("queue_id", queueID), zap.Error(err))
		confirmed = server
	}
	sent, ok := c.queue.MarkMessageSent(queueID)
	if !ok {
		return delivered
	}
	evt := sent.Event()
	evt.ServerID = confirmed.ID
	c.bus.Emit(bus.ItemSent, evt)
	c.logger.Info("message sent",
		zap.String("queue_id", queueID),
		zap.String("placeholder_id", it.Message.ID),
		zap.String("server_id", confirmed.ID))
	c.grace.Arm(queueID, c.opts.SentGrace, func() { c.queue.RemoveDelivered(queueID) })
	return delivered
}

// messageAbandoned puts back an item whose attempt was cut short by shutdown.
// The server never answered, so the attempt does not count.
func (c *Coordinator) messageAbandoned(it outbox.MessageItem, cause error) outcome {
	if released, ok := c.queue.ReleaseMessage(it.QueueID); ok {
		c.warnStorage(c.reconciler.MarkStatus(released.Message, chat.StatusPending))
	}
	c.logger.Info("send abandoned, left pending", zap.String("queue_id", it.QueueID), zap.Error(cause))
	return skipped
}

func (c *Coordinator) messageFailed(it outbox.MessageItem, cause error) outcome {
	var (
		updated outbox.MessageItem
		ok      bool
	)
	if chat.Retryable(cause) {
		updated, ok = c.queue.MessageAttemptFailed(it.QueueID, cause, c.opts.Policy)
	} else {
		updated, ok = c.queue.MarkMessageFailed(it.QueueID, cause)
	}
	if !ok {
		return skipped
	}

	if updated.Status == outbox.MessagePending {
		delay := c.opts.Policy.Delay(updated.RetryCount)
		c.warnStorage(c.reconciler.MarkStatus(updated.Message, chat.StatusPending))
		c.armRetry(updated.QueueID, delay)
		evt := updated.Event()
		evt.Code = chat.CodeOf(cause)
		c.bus.Emit(bus.ItemRetrying, evt)
		c.logger.Warn("message send failed, will retry",
			zap.String("queue_id", updated.QueueID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return retrying
	}

	reason := cause
	if chat.Retryable(cause) {
		reason = fmt.Errorf("%w after %d attempts: %v", chat.ErrRetryExhausted, updated.RetryCount, cause)
	}
	c.warnStorage(c.reconciler.Reject(updated.Message, reason))
	evt := updated.Event()
	evt.Error = reason.Error()
	evt.Code = chat.CodeOf(reason)
	c.bus.Emit(bus.ItemFailed, evt)
	c.logger.Warn("message failed",
		zap.String("queue_id", updated.QueueID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(reason))
	return failed
}

// attemptAction dispatches one action, rewriting placeholder references to server ids.
func (c *Coordinator) attemptAction(ctx context.Context, queueID string) outcome {
	pending, ok := c.queue.Action(queueID)
	if !ok || pending.Status != outbox.ActionPending {
		return skipped
	}
	resolved := pending.Action.WithMessageIDs(c.reconciler.ResolveID)
	if ids := unresolved(resolved); len(ids) > 0 {
		if c.awaitingDelivery(ids) {
			return skipped
		}
		// the referenced message never reached the server
		it, ok := c.queue.MarkActionFailed(queueID, fmt.Errorf("%w: references unconfirmed message %s", chat.ErrRejected, ids[0]))
		if ok {
			evt := it.Event()
			evt.Code = chat.CodeRejected
			c.bus.Emit(bus.ItemFailed, evt)
		}
		return failed
	}

	it, ok := c.queue.ClaimAction(queueID)
	if !ok {
		return skipped
	}
	c.retries.Cancel(queueID)
	c.bus.Emit(bus.ItemSending, it.Event())

	if err := c.transport.ExecuteAction(ctx, resolved); err != nil {
		if ctx.Err() != nil {
			c.queue.ReleaseAction(queueID)
			c.logger.Info("action abandoned, left pending", zap.String("queue_id", queueID), zap.Error(err))
			return skipped
		}
		return c.actionFailed(it, err)
	}

	done, ok := c.queue.MarkActionCompleted(queueID)
	if !ok {
		return delivered
	}
	c.bus.Emit(bus.ItemSent, done.Event())
	c.logger.Info("action completed",
		zap.String("queue_id", queueID),
		zap.String("kind", string(resolved.Kind())))
	c.grace.Arm(queueID, c.opts.ActionGrace, func() { c.queue.RemoveDelivered(queueID) })
	return delivered
}

func (c *Coordinator) actionFailed(it outbox.ActionItem, cause error) outcome {
	var (
		updated outbox.ActionItem
		ok      bool
	)
	if chat.Retryable(cause) {
		updated, ok = c.queue.ActionAttemptFailed(it.QueueID, cause, c.opts.Policy)
	} else {
		updated, ok = c.queue.MarkActionFailed(it.QueueID, cause)
	}
	if !ok {
		return skipped
	}
	evt := updated.Event()
	evt.Code = chat.CodeOf(cause)
	if updated.Status == outbox.ActionPending {
		c.armRetry(updated.QueueID, c.opts.Policy.Delay(updated.RetryCount))
		c.bus.Emit(bus.ItemRetrying, evt)
		c.logger.Warn("action failed, will retry",
			zap.String("queue_id", updated.QueueID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(cause))
		return retrying
	}
	if chat.Retryable(cause) {
		evt.Code = chat.CodeRetryExhausted
	}
	c.bus.Emit(bus.ItemFailed, evt)
	c.logger.Warn("action failed", zap.String("queue_id", updated.QueueID), zap.Error(cause))
	return failed
}

// armRetry schedules a drain for when queueID's backoff expires. The drain
// attempts it only if it is still pending and the device is online; an item
// whose timer fired while offline is picked up by the drain on reconnect.
func (c *Coordinator) armRetry(queueID string, delay time.Duration) {
	c.retries.Arm(queueID, delay, func() {
		_, _ = c.requestDrain(drainScope{})
	})
}

// awaitingDelivery reports whether any placeholder in ids still has a live queue item.
func (c *Coordinator) awaitingDelivery(ids []string) bool {
	live := make(map[string]bool)
	for _, it := range c.queue.Messages(outbox.MessagePending, outbox.MessageSending) {
		live[it.Message.ID] = true
	}
	for _, id := range ids {
		if live[id] {
			return true
		}
	}
	return false
}

func unresolved(a chat.Action) []string {
	var ids []string
	a.WithMessageIDs(func(id string) string {
		if chat.IsPlaceholderID(id) {
			ids = append(ids, id)
		}
		return id
	})
	return ids
}

func (c *Coordinator) warnStorage(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("local message store update failed", zap.Error(err))
	}
}
