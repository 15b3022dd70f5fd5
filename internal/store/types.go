package store

// Conversation is the local summary row for one conversation.
type Conversation struct {
	ID                 string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
	SyncedAt           int64 // newest server timestamp pulled so far, unix millis
}
