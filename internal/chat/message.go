package chat

import (
	"strings"

	"github.com/google/uuid"
)

// Status is the delivery status of a message as shown to the user.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses so a confirmation never moves a message backwards.
var rank = map[Status]int{
	StatusFailed:    0,
	StatusPending:   1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Further returns whichever of a and b is further along the delivery path.
func Further(a, b Status) Status {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// MediaKind identifies non-text message bodies.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaImage MediaKind = "image"
)

// Media describes a voice or image attachment.
type Media struct {
	Kind       MediaKind `json:"kind"`
	URL        string    `json:"url"`
	MimeType   string    `json:"mimeType,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
}

// Body is the content of a message: text, media, or both (a captioned image).
type Body struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Empty reports whether the body carries no content.
func (b Body) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && b.Media == nil
}

// Message is a chat message, either optimistic (local placeholder) or server-confirmed.
type Message struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Body           Body   `json:"body"`
	CreatedAt      int64  `json:"createdAt"` // unix millis
	Status         Status `json:"status"`
	IsOptimistic   bool   `json:"isOptimistic"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Body.Media != nil {
		media := *m.Body.Media
		c.Body.Media = &media
	}
	return &c
}

const placeholderPrefix = "local-"

// NewClientID returns a fresh client-generated message identity.
func NewClientID() string {
	return uuid.NewString()
}

// PlaceholderID returns the optimistic message id for a client id.
func PlaceholderID(clientID string) string {
	return placeholderPrefix + clientID
}

// IsPlaceholderID reports whether id was generated locally and is not a server id.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// ClientIDOf returns the client id embedded in a placeholder id, or "" for server ids.
func ClientIDOf(id string) string {
	if !IsPlaceholderID(id) {
		return ""
	}
	return strings.TrimPrefix(id, placeholderPrefix)
}
