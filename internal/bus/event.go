package bus

import "time"

// Event kinds published inside the daemon. Subscribers filter by prefix, so
// "message." receives every message event.
const (
	KindMessageChanged      = "message.changed"
	KindConversationChanged = "conversation.changed"
	KindOutboxSynced        = "outbox.synced"
	KindOutboxFailed        = "outbox.failed"
	KindNetOnline           = "net.online"
	KindNetOffline          = "net.offline"
	KindSubscriptionState   = "realtime.subscription_state"
	KindSubscriptionFailed  = "realtime.subscription_failed"
	KindTypingChanged       = "typing.changed"
	KindSessionStatus       = "session.status_changed"
)

// Event is a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationRef is the payload of message, conversation and typing events:
// it names what changed so observers can re-read the store.
type ConversationRef struct {
	ConversationID string
	CorrelationID  string
}
