// Package reconcile applies changefeed events to the local store.
package reconcile

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Verifier checks that the session user may see a conversation.
type Verifier interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// IncomingFunc is called for every newly stored message sent by someone
// else.
type IncomingFunc func(ctx context.Context, m store.Message)

// Reconciler merges server events into the store and announces the
// changes on the bus. Events arrive from the realtime read goroutine, one
// at a time.
type Reconciler struct {
	db       *store.DB
	verifier Verifier
	userID   string
	typing   *TypingTracker
	bus      *bus.Bus
	logger   *zap.Logger
	incoming IncomingFunc
}

func New(db *store.DB, verifier Verifier, userID string, typing *TypingTracker, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, verifier: verifier, userID: userID, typing: typing, bus: b, logger: logger}
}

// OnIncoming installs the hook for messages from other users.
func (r *Reconciler) OnIncoming(fn IncomingFunc) {
	r.incoming = fn
}

// Handle implements realtime.Handler.
func (r *Reconciler) Handle(ctx context.Context, scope realtime.Scope, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.MessageInserted:
		r.message(ctx, scope, e)
	case realtime.ReceiptUpserted:
		r.receipt(ctx, scope, e)
	case realtime.TypingChanged:
		r.typingChanged(ctx, scope, e)
	case realtime.ConversationUpdated:
		r.conversation(ctx, scope, e)
	}
}

// ApplyMessage stores one server message. It backs both the changefeed
// and the catch-up fetch after a reconnect.
func (r *Reconciler) ApplyMessage(ctx context.Context, in store.Message) (store.ApplyResult, error) {
	m, result, err := r.db.ApplyServerMessage(in)
	if err != nil {
		return result, err
	}
	if result == store.Duplicate {
		return result, nil
	}
	ref := bus.ConversationRef{ConversationID: m.ConversationID, CorrelationID: m.CorrelationID}
	r.bus.Emit(bus.KindMessageChanged, ref)
	r.bus.Emit(bus.KindConversationChanged, ref)
	if result == store.Inserted && m.SenderID != r.userID && r.incoming != nil {
		r.incoming(ctx, m)
	}
	return result, nil
}

func (r *Reconciler) message(ctx context.Context, scope realtime.Scope, e realtime.MessageInserted) {
	row := e.Message
	if !r.allowed(ctx, scope, "message", row.ConversationID) {
		return
	}
	result, err := r.ApplyMessage(ctx, store.Message{
		CorrelationID:  row.ClientID,
		ServerID:       string(row.ID),
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		CreatedAt:      row.CreatedAt.Time,
	})
	if err != nil {
		r.logger.Error("failed to apply message", zap.Error(err), zap.String("server_id", string(row.ID)))
		metrics.IncRealtimeEvent("message", "error")
		return
	}
	switch result {
	case store.Merged:
		metrics.IncRealtimeEvent("message", "merged")
	case store.Inserted:
		metrics.IncRealtimeEvent("message", "inserted")
	default:
		metrics.IncRealtimeEvent("message", "duplicate")
	}
}

func (r *Reconciler) receipt(ctx context.Context, scope realtime.Scope, e realtime.ReceiptUpserted) {
	row := e.Receipt
	st := store.Status(row.Status)
	if st != store.StatusDelivered && st != store.StatusRead {
		metrics.IncRealtimeEvent("receipt", "invalid")
		return
	}

	m, err := r.db.MessageByServerID(string(row.MessageID))
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("receipt for unknown message", zap.String("message_id", string(row.MessageID)))
		metrics.IncRealtimeEvent("receipt", "unknown_message")
		return
	}
	if err != nil {
		r.logger.Error("failed to look up receipt message", zap.Error(err))
		metrics.IncRealtimeEvent("receipt", "error")
		return
	}
	if !r.allowed(ctx, scope, "receipt", m.ConversationID) {
		return
	}

	changed, err := r.db.PutReceipt(store.Receipt{MessageID: m.ServerID, UserID: row.UserID, Status: st, At: row.UpdatedAt.Time})
	if err != nil {
		r.logger.Error("failed to store receipt", zap.Error(err))
		metrics.IncRealtimeEvent("receipt", "error")
		return
	}
	if m.SenderID == r.userID && row.UserID != r.userID {
		promoted, err := r.db.PromoteStatus(m.CorrelationID, st)
		if err != nil {
			r.logger.Error("failed to promote message status", zap.Error(err))
			return
		}
		changed = changed || promoted.Status != m.Status
	}
	if !changed {
		metrics.IncRealtimeEvent("receipt", "duplicate")
		return
	}
	metrics.IncRealtimeEvent("receipt", "applied")
	ref := bus.ConversationRef{ConversationID: m.ConversationID, CorrelationID: m.CorrelationID}
	r.bus.Emit(bus.KindMessageChanged, ref)
	if row.UserID == r.userID {
		r.bus.Emit(bus.KindConversationChanged, ref)
	}
}

func (r *Reconciler) typingChanged(ctx context.Context, scope realtime.Scope, e realtime.TypingChanged) {
	row := e.Typing
	if row.UserID == r.userID {
		return
	}
	if !r.allowed(ctx, scope, "typing", row.ConversationID) {
		return
	}
	if r.typing.Set(row.ConversationID, row.UserID, row.IsTyping, row.UpdatedAt.Time) {
		r.bus.Emit(bus.KindTypingChanged, bus.ConversationRef{ConversationID: row.ConversationID})
	}
	metrics.IncRealtimeEvent("typing", "applied")
}

func (r *Reconciler) conversation(ctx context.Context, scope realtime.Scope, e realtime.ConversationUpdated) {
	row := e.Conversation
	if !r.allowed(ctx, scope, "conversation", row.ID) {
		return
	}
	err := r.db.UpsertConversation(store.Conversation{
		ID:                 row.ID,
		Title:              row.Title,
		LastMessagePreview: row.LastMessagePreview,
		LastMessageAt:      row.LastMessageAt.Time,
		UpdatedAt:          row.UpdatedAt.Time,
	})
	if err != nil {
		r.logger.Error("failed to store conversation", zap.Error(err), zap.String("conversation_id", row.ID))
		metrics.IncRealtimeEvent("conversation", "error")
		return
	}
	metrics.IncRealtimeEvent("conversation", "applied")
	r.bus.Emit(bus.KindConversationChanged, bus.ConversationRef{ConversationID: row.ID})
}

// allowed drops events outside the scope's conversation and events for
// conversations the user does not belong to.
func (r *Reconciler) allowed(ctx context.Context, scope realtime.Scope, kind, conversationID string) bool {
	if scope.ConversationID != "" && scope.ConversationID != conversationID {
		r.logger.Debug("dropping event outside scope",
			zap.String("scope", scope.Key()), zap.String("conversation_id", conversationID))
		metrics.IncRealtimeEvent(kind, "out_of_scope")
		return false
	}
	ok, err := r.verifier.IsMember(ctx, conversationID, r.userID)
	if err != nil {
		r.logger.Debug("membership check failed, dropping event",
			zap.String("scope", scope.Key()), zap.String("conversation_id", conversationID), zap.Error(err))
		metrics.IncRealtimeEvent(kind, "unverified")
		return false
	}
	if !ok {
		r.logger.Debug("dropping event for non-member",
			zap.String("scope", scope.Key()), zap.String("conversation_id", conversationID))
		metrics.IncRealtimeEvent(kind, "unauthorized")
		return false
	}
	return true
}
