// Package send turns a user's send into a locally visible message and a
// durable outbox entry, without waiting on the network.
package send

import (
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MaxContentLength is the longest message body accepted, in runes.
const MaxContentLength = 4096

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Kicker asks the outbox synchronizer to drain soon.
type Kicker interface {
	Kick()
}

// Coordinator performs optimistic sends for one user.
type Coordinator struct {
	db     *store.DB
	kicker Kicker
	userID string
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

func New(db *store.DB, kicker Kicker, userID string, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, kicker: kicker, userID: userID, bus: b, logger: logger, now: time.Now}
}

// Send queues content for conversationID under a fresh correlation id.
func (c *Coordinator) Send(content, conversationID string) store.Message {
	return c.SendWithID(uuid.NewString(), content, conversationID)
}

// SendWithID queues content under a caller chosen correlation id. Sending
// the same id again returns the message already stored for it.
//
// The returned message is in sending, or in failed when the input was
// rejected or could not be stored; errors are never returned.
func (c *Coordinator) SendWithID(correlationID, content, conversationID string) store.Message {
	content = strings.TrimSpace(content)
	now := c.now()
	m := store.Message{
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
		Status:         store.StatusSending,
		LocalSentAt:    now,
	}
	e := store.OutboxEntry{
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		Payload:        store.Payload{SenderID: c.userID, Content: content},
		Status:         store.OutboxPending,
		Retryable:      true,
		CreatedAt:      now,
	}

	if err := validate(correlationID, content, conversationID); err != nil {
		c.logger.Info("rejected send", zap.Error(err), zap.String("conversation_id", conversationID))
		m.Status = store.StatusFailed
		e.Status = store.OutboxFailed
		e.Retryable = false
		e.ErrorMessage = err.Error()
		if idPattern.MatchString(correlationID) && idPattern.MatchString(conversationID) {
			return c.create(m, e)
		}
		return m
	}

	stored := c.create(m, e)
	if stored.Status == store.StatusSending {
		c.kicker.Kick()
	}
	return stored
}

func (c *Coordinator) create(m store.Message, e store.OutboxEntry) store.Message {
	stored, created, err := c.db.CreateOptimistic(m, e)
	if err != nil {
		c.logger.Error("failed to queue message", zap.Error(err), zap.String("correlation_id", m.CorrelationID))
		m.Status = store.StatusFailed
		return m
	}
	if created {
		ref := bus.ConversationRef{ConversationID: stored.ConversationID, CorrelationID: stored.CorrelationID}
		c.bus.Emit(bus.KindMessageChanged, ref)
		c.bus.Emit(bus.KindConversationChanged, ref)
		c.logger.Debug("message queued", zap.String("correlation_id", stored.CorrelationID))
	}
	return stored
}

func validate(correlationID, content, conversationID string) error {
	return validation.Errors{
		"content": validation.Validate(content,
			validation.Required,
			validation.RuneLength(0, MaxContentLength)),
		"conversation_id": validation.Validate(conversationID,
			validation.Required,
			validation.Match(idPattern)),
		"correlation_id": validation.Validate(correlationID,
			validation.Required,
			validation.Match(idPattern)),
	}.Filter()
}
