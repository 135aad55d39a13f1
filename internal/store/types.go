package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Status is the lifecycle state of a Message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as far along as o.
func (s Status) AtLeast(o Status) bool { return s.rank() >= o.rank() }

// Promote returns the status a message in cur ends up in after observing
// next. Confirmation levels only move forward; failed is reachable only
// from sending and left only by a retry or a server confirmation.
func Promote(cur, next Status) Status {
	switch next {
	case StatusFailed:
		if cur == StatusSending {
			return StatusFailed
		}
		return cur
	case StatusSending:
		if cur == StatusFailed {
			return StatusSending
		}
		return cur
	}
	if cur == StatusSending || cur == StatusFailed || next.rank() > cur.rank() {
		return next
	}
	return cur
}

// Message is one chat message as the local device knows it. ServerID is
// empty until the remote store has confirmed it.
type Message struct {
	ID             int64
	CorrelationID  string
	ServerID       string
	ConversationID string
	SenderID       string
	Content        string
	Status         Status
	CreatedAt      time.Time // server-assigned, zero until confirmed
	LocalSentAt    time.Time
}

// Confirmed reports whether the remote store has acknowledged the message.
func (m Message) Confirmed() bool {
	return m.ServerID != ""
}

// OutboxStatus is the sync state of an OutboxEntry.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxSynced    OutboxStatus = "synced"
	OutboxFailed    OutboxStatus = "failed"
	OutboxDiscarded OutboxStatus = "discarded"
)

// Payload is the body shipped to the remote store for an outbox entry.
type Payload struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// OutboxEntry is a durable record that a message still has to reach the server.
type OutboxEntry struct {
	CorrelationID  string
	ConversationID string
	Payload        Payload
	Status         OutboxStatus
	Attempts       int
	Retryable      bool
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conversation holds remote conversation metadata used for ordering and previews.
type Conversation struct {
	ID                 string
	Title              string
	LastMessagePreview string
	LastMessageAt      time.Time
	UpdatedAt          time.Time
}

// Preview is one row of the conversation list.
type Preview struct {
	ConversationID string
	Title          string
	LastMessage    *Message
	UnreadCount    int
	LastActivity   time.Time
}

// Receipt records that a user has received or read a message.
type Receipt struct {
	MessageID string // server id
	UserID    string
	Status    Status // delivered or read
	At        time.Time
}

// ApplyResult tells the reconciler what ApplyServerMessage did.
type ApplyResult int

const (
	Inserted  ApplyResult = iota // message originated elsewhere
	Merged                       // optimistic copy confirmed in place
	Duplicate                    // already known, nothing changed
)

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
