package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces usable as Subscribe prefixes.
const (
	NamespaceQueue        = "queue."
	NamespaceSync         = "sync."
	NamespaceMessage      = "message."
	NamespaceConnectivity = "connectivity."
	NamespaceService      = "service."
)

// Event kinds.
const (
	ItemQueued   = "queue.item_queued"
	ItemSending  = "queue.item_sending"
	ItemSent     = "queue.item_sent"
	ItemRetrying = "queue.item_retrying"
	ItemFailed   = "queue.item_failed"
	ItemRemoved  = "queue.item_removed"

	SyncStarted   = "sync.started"
	SyncCompleted = "sync.completed"
	SyncError     = "sync.error"

	ConnectivityChanged = "connectivity.changed"

	MessageUpserted  = "message.upserted"
	MessageConfirmed = "message.confirmed"
	MessageFailed    = "message.failed"
	MessagesIngested = "message.ingested"

	ServiceStatusChanged = "service.status_changed"
)
