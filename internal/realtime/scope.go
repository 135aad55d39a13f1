package realtime

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Kind names what a scope listens to.
type Kind string

const (
	KindMessages      Kind = "messages"
	KindTyping        Kind = "typing"
	KindReceipts      Kind = "receipts"
	KindInbox         Kind = "inbox"
	KindConversations Kind = "conversations"
)

// perConversation reports whether scopes of this kind are bound to one
// conversation.
func (k Kind) perConversation() bool {
	return k == KindMessages || k == KindTyping || k == KindReceipts
}

// Scope is a subscription target: a kind, plus a conversation for the
// kinds owned by a conversation view.
type Scope struct {
	Kind           Kind
	ConversationID string
}

func Messages(conversationID string) Scope {
	return Scope{Kind: KindMessages, ConversationID: conversationID}
}

func Typing(conversationID string) Scope {
	return Scope{Kind: KindTyping, ConversationID: conversationID}
}

func Receipts(conversationID string) Scope {
	return Scope{Kind: KindReceipts, ConversationID: conversationID}
}

func Inbox() Scope { return Scope{Kind: KindInbox} }

func Conversations() Scope { return Scope{Kind: KindConversations} }

func (s Scope) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Kind, validation.Required,
			validation.In(KindMessages, KindTyping, KindReceipts, KindInbox, KindConversations)),
		validation.Field(&s.ConversationID,
			validation.When(s.Kind.perConversation(), validation.Required).Else(validation.Empty)),
	)
}

// Key identifies the scope; two scopes with the same key share one
// subscription.
func (s Scope) Key() string {
	if s.ConversationID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ConversationID
}

// Topic is the channel the scope joins.
func (s Scope) Topic() string {
	return "realtime:" + s.Key()
}

// Filter is the row filter the scope joins with. Scopes without a
// conversation rely on row level security, and the reconciler checks
// membership again for every event.
func (s Scope) Filter() ChangeFilter {
	f := ChangeFilter{Event: "*", Schema: "public"}
	switch s.Kind {
	case KindMessages, KindInbox:
		f.Table = "messages"
		f.Event = "INSERT"
	case KindTyping:
		f.Table = "typing_indicators"
	case KindReceipts:
		f.Table = "message_receipts"
	case KindConversations:
		f.Table = "conversations"
	}
	if s.Kind == KindMessages || s.Kind == KindTyping {
		f.Filter = "conversation_id=eq." + s.ConversationID
	}
	return f
}
