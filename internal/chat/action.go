package chat

import (
	"encoding/json"
	"fmt"
)

// ActionKind names a queued non-message mutation.
type ActionKind string

const (
	ActionMarkRead      ActionKind = "mark_read"
	ActionDeleteMessage ActionKind = "delete_message"
	ActionUpdateMessage ActionKind = "update_message"
)

// Action is one of MarkRead, DeleteMessage or UpdateMessage.
type Action interface {
	Kind() ActionKind
	Conversation() string
	// WithMessageIDs returns a copy whose message references are rewritten by fn.
	WithMessageIDs(fn func(string) string) Action
	sealed()
}

// MarkRead marks messages in a conversation as read.
type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// DeleteMessage deletes one message.
type DeleteMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// UpdateMessage replaces the body of one message (last write wins).
type UpdateMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Body           Body   `json:"body"`
}

func (MarkRead) Kind() ActionKind      { return ActionMarkRead }
func (DeleteMessage) Kind() ActionKind { return ActionDeleteMessage }
func (UpdateMessage) Kind() ActionKind { return ActionUpdateMessage }

func (a MarkRead) Conversation() string      { return a.ConversationID }
func (a DeleteMessage) Conversation() string { return a.ConversationID }
func (a UpdateMessage) Conversation() string { return a.ConversationID }

func (a MarkRead) WithMessageIDs(fn func(string) string) Action {
	ids := make([]string, len(a.MessageIDs))
	for i, id := range a.MessageIDs {
		ids[i] = fn(id)
	}
	a.MessageIDs = ids
	return a
}

func (a DeleteMessage) WithMessageIDs(fn func(string) string) Action {
	a.MessageID = fn(a.MessageID)
	return a
}

func (a UpdateMessage) WithMessageIDs(fn func(string) string) Action {
	a.MessageID = fn(a.MessageID)
	return a
}

func (MarkRead) sealed()      {}
func (DeleteMessage) sealed() {}
func (UpdateMessage) sealed() {}

// ValidateAction checks an action payload before it is queued.
func ValidateAction(a Action) error {
	switch act := a.(type) {
	case MarkRead:
		if act.ConversationID == "" {
			return fmt.Errorf("%w: mark_read requires a conversation id", ErrValidation)
		}
		if len(act.MessageIDs) == 0 {
			return fmt.Errorf("%w: mark_read requires at least one message id", ErrValidation)
		}
	case DeleteMessage:
		if act.ConversationID == "" || act.MessageID == "" {
			return fmt.Errorf("%w: delete_message requires conversation and message ids", ErrValidation)
		}
	case UpdateMessage:
		if act.ConversationID == "" || act.MessageID == "" {
			return fmt.Errorf("%w: update_message requires conversation and message ids", ErrValidation)
		}
		if err := ValidateBody(act.Body); err != nil {
			return err
		}
	case nil:
		return fmt.Errorf("%w: nil action", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown action %T", ErrValidation, a)
	}
	return nil
}

// ActionEnvelope is the persisted and wire form of an Action.
type ActionEnvelope struct {
	Type    ActionKind      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalAction encodes a as an envelope.
func MarshalAction(a Action) (json.RawMessage, error) {
	if a == nil {
		return nil, fmt.Errorf("marshal action: nil")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", a.Kind(), err)
	}
	return json.Marshal(ActionEnvelope{Type: a.Kind(), Payload: payload})
}

// UnmarshalAction decodes an envelope produced by MarshalAction.
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal action envelope: %w", err)
	}
	switch env.Type {
	case ActionMarkRead:
		var a MarkRead
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, fmt.Errorf("unmarshal mark_read: %w", err)
		}
		return a, nil
	case ActionDeleteMessage:
		var a DeleteMessage
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, fmt.Errorf("unmarshal delete_message: %w", err)
		}
		return a, nil
	case ActionUpdateMessage:
		var a UpdateMessage
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, fmt.Errorf("unmarshal update_message: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", env.Type)
	}
}
