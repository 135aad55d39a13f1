package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type inserterFunc func(ctx context.Context, m remote.NewMessage) (remote.MessageRow, error)

func (f inserterFunc) InsertMessage(ctx context.Context, m remote.NewMessage) (remote.MessageRow, error) {
	return f(ctx, m)
}

type fakeNet struct {
	online atomic.Bool
	ch     chan struct{}
}

func newFakeNet(online bool) *fakeNet {
	n := &fakeNet{ch: make(chan struct{}, 1)}
	n.online.Store(online)
	return n
}

func (n *fakeNet) Online() bool                         { return n.online.Load() }
func (n *fakeNet) Subscribe() (<-chan struct{}, func()) { return n.ch, func() {} }

func (n *fakeNet) reconnect() {
	n.online.Store(true)
	n.ch <- struct{}{}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, db *store.DB, corr, conv, content string) {
	t.Helper()
	now := time.Now()
	_, _, err := db.CreateOptimistic(
		store.Message{CorrelationID: corr, ConversationID: conv, SenderID: "me", Content: content, Status: store.StatusSending, LocalSentAt: now},
		store.OutboxEntry{CorrelationID: corr, ConversationID: conv, Payload: store.Payload{SenderID: "me", Content: content}, Status: store.OutboxPending, Retryable: true, CreatedAt: now},
	)
	require.NoError(t, err)
}

func ack(serverID string) inserterFunc {
	return func(_ context.Context, m remote.NewMessage) (remote.MessageRow, error) {
		return remote.MessageRow{
			ID:             remote.ID(serverID),
			ClientID:       m.ClientID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			CreatedAt:      remote.Timestamp{Time: time.Now()},
		}, nil
	}
}

func newSync(db *store.DB, r Inserter, n Connectivity) *Synchronizer {
	return New(db, r, n, bus.New(), zap.NewNop(), Config{
		SendTimeout:   time.Second,
		SweepInterval: time.Hour,
		Strategy:      retry.Strategy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1},
	})
}

func TestDrainConfirmsPending(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	s := newSync(db, ack("42"), newFakeNet(true))
	res, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	m, err := db.MessageByCorrelationID("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, m.Status)
	assert.Equal(t, "42", m.ServerID)

	e, err := db.OutboxEntry("c1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxSynced, e.Status)
}

func TestDrainOfflineAttemptsNothing(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	var calls atomic.Int32
	s := newSync(db, inserterFunc(func(context.Context, remote.NewMessage) (remote.MessageRow, error) {
		calls.Add(1)
		return remote.MessageRow{}, nil
	}), newFakeNet(false))

	res, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Zero(t, calls.Load())
}

func TestPermanentFailureIsNotRetryable(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	s := newSync(db, inserterFunc(func(context.Context, remote.NewMessage) (remote.MessageRow, error) {
		return remote.MessageRow{}, errs.New(errs.Permanent, "insert message")
	}), newFakeNet(true))

	res, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	e, err := db.OutboxEntry("c1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, e.Status)
	assert.False(t, e.Retryable)

	m, err := db.MessageByCorrelationID("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, m.Status)
}

func TestConcurrentDrainsSubmitOnce(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	release := make(chan struct{})
	var calls atomic.Int32
	s := newSync(db, inserterFunc(func(ctx context.Context, m remote.NewMessage) (remote.MessageRow, error) {
		calls.Add(1)
		<-release
		return ack("1")(ctx, m)
	}), newFakeNet(true))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Drain(context.Background())
	}()

	require.Eventually(t, func() bool { return s.inFlight("c1") }, time.Second, time.Millisecond)
	res, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.InFlight)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmissionSurvivesCallerCancel(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	s := newSync(db, inserterFunc(func(c context.Context, m remote.NewMessage) (remote.MessageRow, error) {
		cancel()
		if c.Err() != nil {
			return remote.MessageRow{}, c.Err()
		}
		return ack("7")(c, m)
	}), newFakeNet(true))

	res, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestHungInsertTimesOut(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	s := New(db, inserterFunc(func(ctx context.Context, _ remote.NewMessage) (remote.MessageRow, error) {
		<-ctx.Done()
		return remote.MessageRow{}, ctx.Err()
	}), newFakeNet(true), bus.New(), zap.NewNop(), Config{
		SendTimeout:   50 * time.Millisecond,
		SweepInterval: time.Hour,
		Strategy:      retry.Strategy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1},
	})

	start := time.Now()
	res, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Failed)

	e, err := db.OutboxEntry("c1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, e.Status)
	assert.True(t, e.Retryable)

	m, err := db.MessageByCorrelationID("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, m.Status)
	assert.False(t, s.inFlight("c1"))
}

func TestReconnectRequeuesTransientFailures(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "hello")

	var fail atomic.Bool
	fail.Store(true)
	net := newFakeNet(true)
	s := newSync(db, inserterFunc(func(ctx context.Context, m remote.NewMessage) (remote.MessageRow, error) {
		if fail.Load() {
			return remote.MessageRow{}, errs.Wrap(errs.Transient, "insert message", errors.New("connection reset"))
		}
		return ack("99")(ctx, m)
	}), net)

	_, err := s.Drain(context.Background())
	require.NoError(t, err)
	m, err := db.MessageByCorrelationID("c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, m.Status)

	fail.Store(false)
	s.Start(context.Background())
	defer s.Stop()
	net.reconnect()

	require.Eventually(t, func() bool {
		m, err := db.MessageByCorrelationID("c1")
		return err == nil && m.Status == store.StatusSent && m.ServerID == "99"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetryAndDiscard(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "c1", "conv", "a")
	enqueue(t, db, "c2", "conv", "b")

	s := newSync(db, inserterFunc(func(context.Context, remote.NewMessage) (remote.MessageRow, error) {
		return remote.MessageRow{}, errs.New(errs.Permanent, "insert message")
	}), newFakeNet(true))
	_, err := s.Drain(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Retry("c1"))
	e, err := db.OutboxEntry("c1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, e.Status)

	require.NoError(t, s.Discard("c2"))
	msgs, err := db.Messages("conv")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].CorrelationID)

	assert.ErrorIs(t, s.Retry("missing"), store.ErrNotFound)
}
