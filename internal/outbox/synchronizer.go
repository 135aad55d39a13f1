// Package outbox ships locally queued messages to the remote store.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrInFlight is returned when an operation targets an entry that is being
// submitted right now.
var ErrInFlight = errors.New("outbox entry is in flight")

// Inserter is the remote write used to deliver a message.
type Inserter interface {
	InsertMessage(ctx context.Context, m remote.NewMessage) (remote.MessageRow, error)
}

// Connectivity is the part of the network monitor the synchronizer needs.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan struct{}, func())
}

// Config tunes the synchronizer.
type Config struct {
	SendTimeout   time.Duration  // bound on a single remote insert
	SweepInterval time.Duration  // safety drain period
	Strategy      retry.Strategy // caps and paces automatic retries of transient failures
}

// Result summarizes one drain.
type Result struct {
	Attempted int
	Synced    int
	Failed    int
	InFlight  int  // skipped because another drain holds them
	Offline   bool // nothing attempted
}

// Synchronizer drains pending outbox entries. Drains may overlap: each
// correlation id is claimed before submission and skipped by any other
// drain while the claim is held.
type Synchronizer struct {
	db     *store.DB
	remote Inserter
	net    Connectivity
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	mu       sync.Mutex
	inflight map[string]struct{}

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *store.DB, r Inserter, net Connectivity, b *bus.Bus, logger *zap.Logger, cfg Config) *Synchronizer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Synchronizer{
		db:       db,
		remote:   r,
		net:      net,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Start runs the trigger loop: kicks, reconnect signals and the sweep.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	var reconnects <-chan struct{}
	unsub := func() {}
	if s.net != nil {
		reconnects, unsub = s.net.Subscribe()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.loop(ctx, reconnects)
	}()
}

// Stop ends the loop. Submissions already under way finish on their own
// timeout.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Synchronizer) loop(ctx context.Context, reconnects <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.kick:
			s.drainLogged(ctx)
		case <-reconnects:
			s.requeueAll()
			s.drainLogged(ctx)
		case <-ticker.C:
			s.requeueDue(time.Now())
			s.drainLogged(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Kick requests a drain without waiting for it.
func (s *Synchronizer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) drainLogged(ctx context.Context) {
	res, err := s.Drain(ctx)
	if err != nil {
		s.logger.Error("outbox drain failed", zap.Error(err))
		return
	}
	if res.Attempted > 0 {
		s.logger.Info("outbox drained",
			zap.Int("attempted", res.Attempted),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
			zap.Int("in_flight", res.InFlight))
	}
}

// Drain submits every pending entry once. It does nothing while offline.
func (s *Synchronizer) Drain(ctx context.Context) (Result, error) {
	var res Result
	if s.net != nil && !s.net.Online() {
		res.Offline = true
		return res, nil
	}

	pending, err := s.db.ListPending()
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}
	for _, e := range pending {
		if !s.claim(e.CorrelationID) {
			res.InFlight++
			continue
		}
		switch s.submit(ctx, e.CorrelationID) {
		case outcomeSynced:
			res.Attempted++
			res.Synced++
		case outcomeFailed:
			res.Attempted++
			res.Failed++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeFailed
)

func (s *Synchronizer) submit(ctx context.Context, correlationID string) outcome {
	defer s.release(correlationID)

	// Another drain may have finished this entry between the listing and
	// the claim.
	e, err := s.db.OutboxEntry(correlationID)
	if err != nil || e.Status != store.OutboxPending {
		return outcomeSkipped
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	row, err := s.remote.InsertMessage(callCtx, remote.NewMessage{
		ClientID:       e.CorrelationID,
		ConversationID: e.ConversationID,
		SenderID:       e.Payload.SenderID,
		Content:        e.Payload.Content,
	})
	if err != nil {
		s.fail(e, err)
		return outcomeFailed
	}

	msg, err := s.db.ConfirmSent(e.CorrelationID, string(row.ID), row.CreatedAt.Time)
	if err != nil {
		s.logger.Error("failed to record send ack", zap.Error(err), zap.String("correlation_id", e.CorrelationID))
		return outcomeFailed
	}
	metrics.IncOutboxResult("synced")
	s.logger.Info("message synced",
		zap.String("correlation_id", e.CorrelationID),
		zap.String("server_id", msg.ServerID))
	s.publish(bus.KindOutboxSynced, e.ConversationID, e.CorrelationID)
	return outcomeSynced
}

func (s *Synchronizer) fail(e store.OutboxEntry, cause error) {
	retryable := errs.IsTransient(cause)
	if _, err := s.db.FailOutbox(e.CorrelationID, cause.Error(), retryable); err != nil {
		s.logger.Error("failed to record send failure", zap.Error(err), zap.String("correlation_id", e.CorrelationID))
		return
	}
	result := "permanent"
	if retryable {
		result = "transient"
	}
	metrics.IncOutboxResult(result)
	s.logger.Warn("message send failed",
		zap.Error(cause),
		zap.String("correlation_id", e.CorrelationID),
		zap.Bool("retryable", retryable),
		zap.Bool("timeout", errs.IsTimeout(cause)))
	s.publish(bus.KindOutboxFailed, e.ConversationID, e.CorrelationID)
}

// requeueAll puts every transient failure under the attempt cap back in
// the queue. Used on reconnect, when the likely cause has just gone away.
func (s *Synchronizer) requeueAll() {
	ids, err := s.db.RequeueRetryable(s.cfg.Strategy.MaxAttempts)
	if err != nil {
		s.logger.Error("failed to requeue outbox", zap.Error(err))
		return
	}
	for _, id := range ids {
		if e, err := s.db.OutboxEntry(id); err == nil {
			s.publish(bus.KindMessageChanged, e.ConversationID, id)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("requeued failed messages after reconnect", zap.Int("count", len(ids)))
	}
}

// requeueDue requeues transient failures whose backoff has elapsed.
func (s *Synchronizer) requeueDue(now time.Time) {
	entries, err := s.db.ListRetryable(s.cfg.Strategy.MaxAttempts)
	if err != nil {
		s.logger.Error("failed to list retryable outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		if now.Before(e.UpdatedAt.Add(s.cfg.Strategy.Delay(e.Attempts))) {
			continue
		}
		if err := s.db.RequeueOutbox(e.CorrelationID); err != nil {
			continue
		}
		s.publish(bus.KindMessageChanged, e.ConversationID, e.CorrelationID)
	}
}

// Retry is the user-facing retry of a failed message.
func (s *Synchronizer) Retry(correlationID string) error {
	e, err := s.db.OutboxEntry(correlationID)
	if err != nil {
		return err
	}
	if err := s.db.RequeueOutbox(correlationID); err != nil {
		return err
	}
	s.publish(bus.KindMessageChanged, e.ConversationID, correlationID)
	s.Kick()
	return nil
}

// Discard abandons a failed message.
func (s *Synchronizer) Discard(correlationID string) error {
	if s.inFlight(correlationID) {
		return ErrInFlight
	}
	e, err := s.db.OutboxEntry(correlationID)
	if err != nil {
		return err
	}
	if err := s.db.DiscardOutbox(correlationID); err != nil {
		return err
	}
	s.publish(bus.KindMessageChanged, e.ConversationID, correlationID)
	return nil
}

func (s *Synchronizer) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Synchronizer) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Synchronizer) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Synchronizer) publish(kind, conversationID, correlationID string) {
	ref := bus.ConversationRef{ConversationID: conversationID, CorrelationID: correlationID}
	s.bus.Emit(kind, ref)
	if kind != bus.KindMessageChanged {
		s.bus.Emit(bus.KindMessageChanged, ref)
	}
}
