// Package receipt records delivered and read receipts, locally and on the
// remote store, without duplicate writes.
package receipt

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Upserter writes receipts to the remote store.
type Upserter interface {
	UpsertReceipt(ctx context.Context, r remote.ReceiptRow) error
}

// Result reports what happened to each requested message id.
type Result struct {
	Committed []string // written remotely and locally by this call
	Skipped   []string // already recorded or in flight elsewhere
	Failed    []string // remote write failed; eligible for a later call
}

// flight is a receipt write in progress for one message.
type flight struct {
	status store.Status
	done   chan struct{}
}

// Marker writes receipts. At most one write per message is in flight at any
// time, so a delivered write can never land on the remote after a read.
type Marker struct {
	db      *store.DB
	remote  Upserter
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]*flight
}

func New(db *store.DB, r Upserter, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Marker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Marker{db: db, remote: r, bus: b, logger: logger, timeout: timeout, inflight: make(map[string]*flight)}
}

// MarkRead records that userID has read the messages with the given server
// ids.
func (m *Marker) MarkRead(ctx context.Context, messageIDs []string, userID string) Result {
	return m.mark(ctx, messageIDs, userID, store.StatusRead)
}

// MarkDelivered records that userID's device has received the messages.
func (m *Marker) MarkDelivered(ctx context.Context, messageIDs []string, userID string) Result {
	return m.mark(ctx, messageIDs, userID, store.StatusDelivered)
}

func (m *Marker) mark(ctx context.Context, messageIDs []string, userID string, st store.Status) Result {
	var res Result
	seen := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		f, ok := m.claim(ctx, id, st)
		if !ok {
			if ctx.Err() != nil {
				res.Failed = append(res.Failed, id)
			} else {
				res.Skipped = append(res.Skipped, id)
			}
			continue
		}
		switch m.write(ctx, id, userID, st) {
		case outcomeCommitted:
			res.Committed = append(res.Committed, id)
		case outcomeSkipped:
			res.Skipped = append(res.Skipped, id)
		default:
			res.Failed = append(res.Failed, id)
		}
		m.release(id, f)
	}
	return res
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCommitted
	outcomeFailed
)

// write runs with the claim held.
func (m *Marker) write(ctx context.Context, messageID, userID string, st store.Status) outcome {
	done, err := m.db.HasReceipt(messageID, userID, st)
	if err != nil {
		m.logger.Warn("failed to read local receipt", zap.Error(err), zap.String("message_id", messageID))
		return outcomeFailed
	}
	if done {
		return outcomeSkipped
	}

	now := time.Now()
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.remote.UpsertReceipt(rctx, remote.ReceiptRow{
		MessageID: remote.ID(messageID),
		UserID:    userID,
		Status:    string(st),
		UpdatedAt: remote.Timestamp{Time: now},
	})
	cancel()
	if err != nil && !errs.IsConflict(err) {
		metrics.IncReceiptResult(string(st), string(errs.KindOf(err)))
		m.logger.Warn("receipt write failed",
			zap.Error(err), zap.String("message_id", messageID), zap.String("status", string(st)))
		return outcomeFailed
	}

	if _, err := m.db.PutReceipt(store.Receipt{MessageID: messageID, UserID: userID, Status: st, At: now}); err != nil {
		m.logger.Warn("failed to store receipt", zap.Error(err), zap.String("message_id", messageID))
	}
	metrics.IncReceiptResult(string(st), "ok")

	if msg, err := m.db.MessageByServerID(messageID); err == nil {
		ref := bus.ConversationRef{ConversationID: msg.ConversationID, CorrelationID: msg.CorrelationID}
		m.bus.Emit(bus.KindMessageChanged, ref)
		m.bus.Emit(bus.KindConversationChanged, ref)
	}
	return outcomeCommitted
}

// claim takes the write slot for messageID. A write already in flight at
// st or beyond makes this one redundant; a weaker one is waited out, and
// write re-checks the local receipt afterwards.
func (m *Marker) claim(ctx context.Context, messageID string, st store.Status) (*flight, bool) {
	for {
		m.mu.Lock()
		cur, busy := m.inflight[messageID]
		if !busy {
			f := &flight{status: st, done: make(chan struct{})}
			m.inflight[messageID] = f
			m.mu.Unlock()
			return f, true
		}
		m.mu.Unlock()

		if cur.status.AtLeast(st) {
			return nil, false
		}
		select {
		case <-cur.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Marker) release(messageID string, f *flight) {
	m.mu.Lock()
	if m.inflight[messageID] == f {
		delete(m.inflight, messageID)
	}
	m.mu.Unlock()
	close(f.done)
}
