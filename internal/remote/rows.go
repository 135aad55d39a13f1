package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is a row identifier. The remote store may serialize keys as JSON
// numbers (bigint) or strings (uuid); both decode to the same text form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp decodes the timestamp layouts the database and the changefeed emit.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("decode timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// NewMessage is the body of a message insert. ClientID is the idempotency key.
type NewMessage struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

// MessageRow is a row of the messages table.
type MessageRow struct {
	ID             ID        `json:"id"`
	ClientID       string    `json:"client_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`
}

// ReceiptRow is a row of the message_receipts table.
type ReceiptRow struct {
	MessageID ID        `json:"message_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// TypingRow is a row of the typing_indicators table.
type TypingRow struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      Timestamp `json:"updated_at"`
}

// ConversationRow is a row of the conversations table.
type ConversationRow struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      Timestamp `json:"last_message_at"`
	UpdatedAt          Timestamp `json:"updated_at"`
}

type membershipRow struct {
	ConversationID string `json:"conversation_id"`
}
