package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
)

// InsertMessage inserts a message keyed by its client id. Re-sending an
// id the server already stored returns the stored row instead of a second
// one, so a retried insert is indistinguishable from the first.
func (c *Client) InsertMessage(ctx context.Context, m NewMessage) (MessageRow, error) {
	var rows []MessageRow
	err := c.do(ctx, request{
		op:     "insert_message",
		method: http.MethodPost,
		table:  "messages",
		query:  url.Values{"on_conflict": {"client_id"}},
		body:   m,
		prefer: "resolution=ignore-duplicates,return=representation",
	}, &rows)
	if err != nil && !errs.IsConflict(err) {
		return MessageRow{}, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	// Duplicate: the insert was ignored (or rejected with 409), read it back.
	row, err := c.MessageByClientID(ctx, m.ClientID)
	if err != nil {
		return MessageRow{}, err
	}
	return row, nil
}

// MessageByClientID reads a message by its idempotency key.
func (c *Client) MessageByClientID(ctx context.Context, clientID string) (MessageRow, error) {
	var rows []MessageRow
	err := c.do(ctx, request{
		op:     "get_message",
		method: http.MethodGet,
		table:  "messages",
		query:  url.Values{"client_id": {"eq." + clientID}, "select": {"*"}, "limit": {"1"}},
	}, &rows)
	if err != nil {
		return MessageRow{}, err
	}
	if len(rows) == 0 {
		return MessageRow{}, errs.Wrap(errs.Transient, "get_message", fmt.Errorf("message %s not visible yet", clientID))
	}
	return rows[0], nil
}

// FetchMessages returns messages created after since, oldest first. An
// empty conversationID fetches across every conversation the caller may
// read.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, since time.Time, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 200
	}
	q := url.Values{
		"select": {"*"},
		"order":  {"created_at.asc"},
		"limit":  {strconv.Itoa(limit)},
	}
	if conversationID != "" {
		q.Set("conversation_id", "eq."+conversationID)
	}
	if !since.IsZero() {
		q.Set("created_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}
	var rows []MessageRow
	err := c.do(ctx, request{op: "fetch_messages", method: http.MethodGet, table: "messages", query: q}, &rows)
	return rows, err
}

// UpsertReceipt writes a receipt, keeping one row per (message, user).
func (c *Client) UpsertReceipt(ctx context.Context, r ReceiptRow) error {
	return c.do(ctx, request{
		op:     "upsert_receipt",
		method: http.MethodPost,
		table:  "message_receipts",
		query:  url.Values{"on_conflict": {"message_id,user_id"}},
		body:   r,
		prefer: "resolution=merge-duplicates,return=minimal",
	}, nil)
}

// UpsertTyping publishes the local user's typing state.
func (c *Client) UpsertTyping(ctx context.Context, t TypingRow) error {
	return c.do(ctx, request{
		op:     "upsert_typing",
		method: http.MethodPost,
		table:  "typing_indicators",
		query:  url.Values{"on_conflict": {"conversation_id,user_id"}},
		body:   t,
		prefer: "resolution=merge-duplicates,return=minimal",
	}, nil)
}

// ListMemberships returns the conversations userID belongs to.
func (c *Client) ListMemberships(ctx context.Context, userID string) ([]string, error) {
	var rows []membershipRow
	err := c.do(ctx, request{
		op:     "list_memberships",
		method: http.MethodGet,
		table:  "conversation_members",
		query:  url.Values{"user_id": {"eq." + userID}, "select": {"conversation_id"}},
	}, &rows)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ConversationID)
	}
	return ids, nil
}

// IsMember asks the server whether userID belongs to conversationID.
func (c *Client) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var rows []membershipRow
	err := c.do(ctx, request{
		op:     "is_member",
		method: http.MethodGet,
		table:  "conversation_members",
		query: url.Values{
			"conversation_id": {"eq." + conversationID},
			"user_id":         {"eq." + userID},
			"select":          {"conversation_id"},
			"limit":           {"1"},
		},
	}, &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// FetchConversations returns metadata for the given conversations.
func (c *Client) FetchConversations(ctx context.Context, ids []string) ([]ConversationRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []ConversationRow
	err := c.do(ctx, request{
		op:     "fetch_conversations",
		method: http.MethodGet,
		table:  "conversations",
		query:  url.Values{"id": {"in.(" + strings.Join(ids, ",") + ")"}, "select": {"*"}},
	}, &rows)
	return rows, err
}
