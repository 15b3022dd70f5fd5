package chat

import (
	"fmt"
	"unicode/utf8"
)

// MaxTextLength bounds message text in runes.
const MaxTextLength = 4096

// ValidateBody checks message content.
func ValidateBody(b Body) error {
	if b.Empty() {
		return fmt.Errorf("%w: message body is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(b.Text); n > MaxTextLength {
		return fmt.Errorf("%w: text is %d characters, limit is %d", ErrValidation, n, MaxTextLength)
	}
	if m := b.Media; m != nil {
		switch m.Kind {
		case MediaVoice, MediaImage:
		default:
			return fmt.Errorf("%w: unknown media kind %q", ErrValidation, m.Kind)
		}
		if m.URL == "" {
			return fmt.Errorf("%w: %s attachment has no url", ErrValidation, m.Kind)
		}
		if m.Kind == MediaVoice && m.DurationMs <= 0 {
			return fmt.Errorf("%w: voice attachment has no duration", ErrValidation)
		}
	}
	return nil
}

// ValidateOutgoing checks a message draft before it is queued.
func ValidateOutgoing(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrValidation)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender id is required", ErrValidation)
	}
	if m.RecipientID == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	return ValidateBody(m.Body)
}
