// Package realtime subscribes to the remote changefeed and hands decoded
// row changes to a handler, one scope at a time.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Channel protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

// Envelope is one frame on the socket.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// ChangeFilter selects the row changes a join subscribes to.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// JoinParams is the payload of a join.
type JoinParams struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type JoinConfig struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// joinError classifies a rejected join. The server reports row level
// security and token problems as reasons mentioning authorization.
func joinError(topic string, r reply) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(r.Response, &body)
	reason := body.Reason
	if reason == "" {
		reason = r.Status
	}
	cause := fmt.Errorf("join %s rejected: %s", topic, reason)
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "permission") {
		return errs.Wrap(errs.Authorization, "join", cause)
	}
	return errs.Wrap(errs.Transient, "join", cause)
}

// Event is a decoded row change. The set of implementations is closed.
type Event interface {
	event()
}

// MessageInserted is a new row in messages.
type MessageInserted struct {
	Message remote.MessageRow
}

// ReceiptUpserted is a new or updated row in message_receipts.
type ReceiptUpserted struct {
	Receipt remote.ReceiptRow
}

// TypingChanged is a new or updated row in typing_indicators.
type TypingChanged struct {
	Typing remote.TypingRow
}

// ConversationUpdated is a new or updated row in conversations.
type ConversationUpdated struct {
	Conversation remote.ConversationRow
}

func (MessageInserted) event()     {}
func (ReceiptUpserted) event()     {}
func (TypingChanged) event()       {}
func (ConversationUpdated) event() {}

// ErrUnknownChange is returned by Decode for tables and change types this
// client does not consume.
var ErrUnknownChange = errors.New("unknown change")

type changePayload struct {
	Data struct {
		Table  string          `json:"table"`
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

// Decode turns a postgres_changes frame into an Event.
func Decode(env Envelope) (Event, error) {
	if env.Event != eventChanges {
		return nil, fmt.Errorf("%w: event %s", ErrUnknownChange, env.Event)
	}
	var p changePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errs.Wrap(errs.Permanent, "decode change", err)
	}
	upsert := p.Data.Type == "INSERT" || p.Data.Type == "UPDATE"

	switch {
	case p.Data.Table == "messages" && p.Data.Type == "INSERT":
		var row remote.MessageRow
		if err := decodeRecord(p.Data.Record, &row); err != nil {
			return nil, err
		}
		return MessageInserted{Message: row}, nil
	case p.Data.Table == "message_receipts" && upsert:
		var row remote.ReceiptRow
		if err := decodeRecord(p.Data.Record, &row); err != nil {
			return nil, err
		}
		return ReceiptUpserted{Receipt: row}, nil
	case p.Data.Table == "typing_indicators" && upsert:
		var row remote.TypingRow
		if err := decodeRecord(p.Data.Record, &row); err != nil {
			return nil, err
		}
		return TypingChanged{Typing: row}, nil
	case p.Data.Table == "conversations" && upsert:
		var row remote.ConversationRow
		if err := decodeRecord(p.Data.Record, &row); err != nil {
			return nil, err
		}
		return ConversationUpdated{Conversation: row}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownChange, p.Data.Type, p.Data.Table)
}

func decodeRecord(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errs.New(errs.Permanent, "decode change: empty record")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.Permanent, "decode change", err)
	}
	return nil
}
