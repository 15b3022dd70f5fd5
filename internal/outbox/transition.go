package outbox

import (
	"time"

	"github.com/matheus3301/chatsync/internal/retry"
)

// Status transitions. Only the sync coordinator calls these.

// ClaimMessage moves a pending message to sending and returns a copy.
// It fails if the item is gone or in any other state, so two callers can never
// both own the same attempt.
func (q *Queue) ClaimMessage(queueID string) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil || it.Status != MessagePending {
		return MessageItem{}, false
	}
	it.Status = MessageSending
	it.NextAttemptAt = 0
	q.changedLocked()
	return it.clone(), true
}

// MarkMessageSent records a successful delivery.
func (q *Queue) MarkMessageSent(queueID string) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil {
		return MessageItem{}, false
	}
	it.Status = MessageSent
	it.Error = ""
	it.NextAttemptAt = 0
	q.changedLocked()
	return it.clone(), true
}

// MessageAttemptFailed counts a failed attempt. Under the retry limit the item
// goes back to pending with NextAttemptAt set; at the limit it becomes failed.
func (q *Queue) MessageAttemptFailed(queueID string, cause error, p retry.Policy) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil {
		return MessageItem{}, false
	}
	now := time.Now()
	n, exhausted, next := failure(p, it.RetryCount, now)
	it.RetryCount = n
	it.LastRetryAt = now.UnixMilli()
	it.NextAttemptAt = next
	it.Error = errString(cause)
	if exhausted {
		it.Status = MessageFailed
	} else {
		it.Status = MessagePending
	}
	q.changedLocked()
	return it.clone(), true
}

// MarkMessageFailed makes a message terminally failed without counting an attempt.
func (q *Queue) MarkMessageFailed(queueID string, cause error) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil {
		return MessageItem{}, false
	}
	it.Status = MessageFailed
	it.NextAttemptAt = 0
	it.Error = errString(cause)
	q.changedLocked()
	return it.clone(), true
}

// ReleaseMessage returns an in-flight message to pending without counting an
// attempt. Used when the attempt was abandoned rather than answered.
func (q *Queue) ReleaseMessage(queueID string) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil || it.Status != MessageSending {
		return MessageItem{}, false
	}
	it.Status = MessagePending
	q.changedLocked()
	return it.clone(), true
}

// ResetMessage puts a pending or failed message back to pending with a fresh
// retry budget. A message in flight or already sent is left alone.
func (q *Queue) ResetMessage(queueID string) (MessageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findMessage(queueID)
	if it == nil || (it.Status != MessageFailed && it.Status != MessagePending) {
		return MessageItem{}, false
	}
	it.Status = MessagePending
	it.RetryCount = 0
	it.LastRetryAt = 0
	it.NextAttemptAt = 0
	it.Error = ""
	q.changedLocked()
	return it.clone(), true
}

// ClaimAction moves a pending action to processing and returns a copy.
func (q *Queue) ClaimAction(queueID string) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil || it.Status != ActionPending {
		return ActionItem{}, false
	}
	it.Status = ActionProcessing
	it.NextAttemptAt = 0
	q.changedLocked()
	return it.clone(), true
}

// MarkActionCompleted records a successful action.
func (q *Queue) MarkActionCompleted(queueID string) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil {
		return ActionItem{}, false
	}
	it.Status = ActionCompleted
	it.Error = ""
	it.NextAttemptAt = 0
	q.changedLocked()
	return it.clone(), true
}

// ActionAttemptFailed counts a failed attempt against the item's own retry limit.
func (q *Queue) ActionAttemptFailed(queueID string, cause error, p retry.Policy) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil {
		return ActionItem{}, false
	}
	now := time.Now()
	n, exhausted, next := failure(p.WithMaxRetries(it.MaxRetries), it.RetryCount, now)
	it.RetryCount = n
	it.LastRetryAt = now.UnixMilli()
	it.NextAttemptAt = next
	it.Error = errString(cause)
	if exhausted {
		it.Status = ActionFailed
	} else {
		it.Status = ActionPending
	}
	q.changedLocked()
	return it.clone(), true
}

// MarkActionFailed makes an action terminally failed.
func (q *Queue) MarkActionFailed(queueID string, cause error) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil {
		return ActionItem{}, false
	}
	it.Status = ActionFailed
	it.NextAttemptAt = 0
	it.Error = errString(cause)
	q.changedLocked()
	return it.clone(), true
}

// ReleaseAction returns a processing action to pending without counting an attempt.
func (q *Queue) ReleaseAction(queueID string) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil || it.Status != ActionProcessing {
		return ActionItem{}, false
	}
	it.Status = ActionPending
	q.changedLocked()
	return it.clone(), true
}

// ResetAction puts a pending or failed action back to pending with a fresh retry budget.
func (q *Queue) ResetAction(queueID string) (ActionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findAction(queueID)
	if it == nil || (it.Status != ActionFailed && it.Status != ActionPending) {
		return ActionItem{}, false
	}
	it.Status = ActionPending
	it.RetryCount = 0
	it.LastRetryAt = 0
	it.NextAttemptAt = 0
	it.Error = ""
	q.changedLocked()
	return it.clone(), true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
