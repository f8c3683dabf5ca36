package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "connection." receives every connection event.
const (
	KindConnectionStatus  = "connection.status"
	KindStateChanged      = "connection.state_changed"
	KindPairingToken      = "connection.pairing_token"
	KindPairingFailed     = "connection.pairing_failed"
	KindThreadsUpdated    = "threads.updated"
	KindMessagesUpdated   = "message.list_updated"
	KindMessageSent       = "message.sent"
	KindMessageSendFailed = "message.send_failed"
	KindAutomationChanged = "automation.changed"

	// Raw provider events consumed by the ingestion engine of the direct backend.
	KindWAMessage      = "wa.message"
	KindWAReceipt      = "wa.receipt"
	KindWAHistoryBatch = "wa.history_batch"
	KindWAConnection   = "wa.connection"
	KindWAArchive      = "wa.archive"

	// KindStoreUpdated is published by the ingestion engine after it writes a
	// chat. The payload is the chat key.
	KindStoreUpdated = "store.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
