package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/membership"
	"github.com/matheus3301/chatsync/internal/netmon"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/receipt"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/send"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRemote is an in-memory remote store.
type fakeRemote struct {
	mu       sync.Mutex
	nextID   int
	rows     []remote.MessageRow
	members  []string
	typing   []remote.TypingRow
	receipts []remote.ReceiptRow
}

func newFakeRemote(members ...string) *fakeRemote {
	return &fakeRemote{nextID: 42, members: members}
}

func (f *fakeRemote) InsertMessage(_ context.Context, m remote.NewMessage) (remote.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ClientID == m.ClientID {
			return r, nil
		}
	}
	row := remote.MessageRow{
		ID:             remote.ID(strconv.Itoa(f.nextID)),
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      remote.Timestamp{Time: time.Now()},
	}
	f.nextID++
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakeRemote) inserted() []remote.MessageRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.rows)
}

func (f *fakeRemote) addRow(row remote.MessageRow) {
	f.mu.Lock()
	f.rows = append(f.rows, row)
	f.mu.Unlock()
}

func (f *fakeRemote) FetchMessages(_ context.Context, conversationID string, since time.Time, limit int) ([]remote.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.MessageRow
	for _, r := range f.rows {
		if r.ConversationID == conversationID && r.CreatedAt.After(since) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) FetchConversations(_ context.Context, ids []string) ([]remote.ConversationRow, error) {
	out := make([]remote.ConversationRow, 0, len(ids))
	for _, id := range ids {
		out = append(out, remote.ConversationRow{ID: id, Title: "Conversation " + id})
	}
	return out, nil
}

func (f *fakeRemote) UpsertTyping(_ context.Context, t remote.TypingRow) error {
	f.mu.Lock()
	f.typing = append(f.typing, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) UpsertReceipt(_ context.Context, r remote.ReceiptRow) error {
	f.mu.Lock()
	f.receipts = append(f.receipts, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) receiptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts)
}

func (f *fakeRemote) ListMemberships(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.members), nil
}

func (f *fakeRemote) IsMember(_ context.Context, conversationID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.members, conversationID), nil
}

// fakeSocket accepts every join.
type fakeSocket struct {
	onFrame realtime.FrameFunc
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSocket) Join(context.Context, string, realtime.JoinParams) error { return nil }
func (s *fakeSocket) Leave(context.Context, string) error                     { return nil }
func (s *fakeSocket) Done() <-chan struct{}                                   { return s.done }
func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type harness struct {
	engine  *Engine
	remote  *fakeRemote
	network *netmon.Monitor
	bus     *bus.Bus
	db      *store.DB
	states  <-chan bus.Event

	mu   sync.Mutex
	sock *fakeSocket
}

func newHarness(t *testing.T, path string, r *fakeRemote) *harness {
	t.Helper()
	db, err := store.Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	log := zap.NewNop()
	b := bus.New()
	h := &harness{remote: r, bus: b, db: db}
	h.states, _ = b.Subscribe(bus.KindSubscriptionState, 64)

	dial := func(_ context.Context, onFrame realtime.FrameFunc) (realtime.Socket, error) {
		s := &fakeSocket{onFrame: onFrame, done: make(chan struct{})}
		h.mu.Lock()
		h.sock = s
		h.mu.Unlock()
		return s, nil
	}

	h.network = netmon.New(nil, time.Hour, b, log)
	members := membership.New(db, r, log, time.Minute)
	typing := reconcile.NewTypingTracker(0)
	rec := reconcile.New(db, members, "me", typing, b, log)
	rt := realtime.NewManager(dial, rec, b, log, realtime.Config{JoinTimeout: time.Second})
	ob := outbox.New(db, r, h.network, b, log, outbox.Config{
		SendTimeout:   time.Second,
		SweepInterval: time.Hour,
		Strategy:      retry.DefaultStrategy(),
	})
	h.engine = New(Deps{
		DB:         db,
		Bus:        b,
		Logger:     log,
		Remote:     r,
		Network:    h.network,
		Outbox:     ob,
		Realtime:   rt,
		Reconciler: rec,
		Typing:     typing,
		Receipts:   receipt.New(db, r, b, log, time.Second),
		Members:    members,
		Sender:     send.New(db, ob, "me", b, log),
	}, Config{UserID: "me"})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
}

func (h *harness) stop() {
	h.engine.Stop()
	_ = h.db.Close()
}

// waitActive blocks until the scope with label reports active.
func (h *harness) waitActive(t *testing.T, label string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-h.states:
			c := evt.Payload.(status.Change)
			if c.Label == label && c.To == status.Active {
				return
			}
		case <-deadline:
			t.Fatalf("scope %s never became active", label)
		}
	}
}

func (h *harness) push(t *testing.T, topic, table string, record any) {
	t.Helper()
	rec, err := json.Marshal(record)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{"table": table, "type": "INSERT", "record": json.RawMessage(rec)},
	})
	require.NoError(t, err)
	h.mu.Lock()
	sock := h.sock
	h.mu.Unlock()
	sock.onFrame(realtime.Envelope{Topic: topic, Event: "postgres_changes", Payload: payload})
}

func next[T any](t *testing.T, ch <-chan T, ok func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, open := <-ch:
			require.True(t, open, "observer closed")
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("observer never produced the expected value")
		}
	}
}

func TestOfflineSendIsConfirmedAfterReconnect(t *testing.T) {
	r := newFakeRemote("c1")
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.start(t)
	defer h.stop()

	m := h.engine.Send("pickup at 5", "c1")
	require.Equal(t, store.StatusSending, m.Status)
	e, err := h.db.OutboxEntry(m.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxPending, e.Status)
	assert.Empty(t, r.inserted())

	updates, cancel := h.engine.Observe("c1")
	defer cancel()

	h.network.Report(true)
	h.waitActive(t, "inbox")

	got := next(t, updates, func(ms []store.Message) bool {
		return len(ms) == 1 && ms[0].Status == store.StatusSent
	})
	assert.Equal(t, "42", got[0].ServerID)
	assert.Equal(t, "pickup at 5", got[0].Content)

	// The changefeed echo of our own insert merges into the same message.
	h.push(t, "realtime:inbox", "messages", map[string]any{
		"id": 42, "client_id": m.CorrelationID, "conversation_id": "c1", "sender_id": "me", "content": "pickup at 5",
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	msgs, err := h.engine.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ServerID)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
	assert.Len(t, r.inserted(), 1)
	require.Eventually(t, func() bool { return h.engine.Status() == status.Ready }, 2*time.Second, time.Millisecond)
}

func TestPendingSendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	r := newFakeRemote("c1")

	first := newHarness(t, path, r)
	first.start(t)
	m := first.engine.Send("pickup at 5", "c1")
	first.stop()

	second := newHarness(t, path, r)
	e, err := second.db.OutboxEntry(m.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxPending, e.Status)

	second.start(t)
	defer second.stop()
	second.network.Report(true)

	require.Eventually(t, func() bool {
		got, err := second.db.MessageByCorrelationID(m.CorrelationID)
		return err == nil && got.Status == store.StatusSent && got.ServerID == "42"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestObserveOrdersOutOfOrderDelivery(t *testing.T) {
	r := newFakeRemote("c1")
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.network.Report(true)
	h.start(t)
	defer h.stop()
	h.waitActive(t, "inbox")
	require.Eventually(t, func() bool { return h.engine.Status() == status.Ready }, 2*time.Second, time.Millisecond)

	t1 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	h.push(t, "realtime:inbox", "messages", map[string]any{
		"id": 2, "conversation_id": "c1", "sender_id": "u2", "content": "B", "created_at": t2.Format(time.RFC3339Nano),
	})
	h.push(t, "realtime:inbox", "messages", map[string]any{
		"id": 1, "conversation_id": "c1", "sender_id": "u2", "content": "A", "created_at": t1.Format(time.RFC3339Nano),
	})

	updates, cancel := h.engine.Observe("c1")
	defer cancel()
	got := next(t, updates, func(ms []store.Message) bool { return len(ms) == 2 })
	assert.Equal(t, "A", got[0].Content)
	assert.Equal(t, "B", got[1].Content)

	// Incoming messages are acknowledged as delivered.
	require.Eventually(t, func() bool { return r.receiptCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestForeignConversationEventsAreInvisible(t *testing.T) {
	r := newFakeRemote("c1")
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.network.Report(true)
	h.start(t)
	defer h.stop()
	h.waitActive(t, "inbox")

	previews, cancel := h.engine.ConversationPreviews()
	defer cancel()
	next(t, previews, func([]store.Preview) bool { return true })

	h.push(t, "realtime:inbox", "messages", map[string]any{
		"id": 9, "conversation_id": "c2", "sender_id": "stranger", "content": "hello?",
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})

	msgs, err := h.engine.Messages("c2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	after, err := h.engine.Previews()
	require.NoError(t, err)
	for _, p := range after {
		assert.NotEqual(t, "c2", p.ConversationID)
	}
}

func TestOpenConversation(t *testing.T) {
	r := newFakeRemote("c1")
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.network.Report(true)
	h.start(t)
	defer h.stop()
	require.Eventually(t, func() bool { return h.engine.Status() == status.Ready }, 2*time.Second, time.Millisecond)

	_, err := h.engine.OpenConversation(context.Background(), "c2")
	require.Error(t, err)
	assert.True(t, errs.IsAuthorization(err))

	view, err := h.engine.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	h.waitActive(t, "typing:c1")

	h.push(t, "realtime:typing:c1", "typing_indicators", map[string]any{
		"conversation_id": "c1", "user_id": "u2", "is_typing": true,
	})
	assert.Equal(t, []string{"u2"}, view.Typing())

	require.NoError(t, h.engine.SetTyping(context.Background(), "c1", true))

	view.Close()
	view.Close()
	h.push(t, "realtime:typing:c1", "typing_indicators", map[string]any{
		"conversation_id": "c1", "user_id": "u3", "is_typing": true,
	})
	assert.Equal(t, []string{"u2"}, view.Typing())
}

func TestCatchUpFetchesMissedMessages(t *testing.T) {
	r := newFakeRemote("c1")
	r.addRow(remote.MessageRow{
		ID: "7", ConversationID: "c1", SenderID: "u2", Content: "while you were away",
		CreatedAt: remote.Timestamp{Time: time.Now().Add(-time.Minute)},
	})
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.start(t)
	defer h.stop()

	h.network.Report(true)
	require.Eventually(t, func() bool {
		msgs, err := h.engine.Messages("c1")
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	previews, err := h.engine.Previews()
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, "Conversation c1", previews[0].Title)
	assert.Equal(t, 1, previews[0].UnreadCount)

	checkpoint, err := h.db.GetState(checkpointPrefix + "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, checkpoint)

	res := h.engine.MarkRead(context.Background(), []string{"7"})
	assert.Equal(t, []string{"7"}, res.Committed)
	previews, err = h.engine.Previews()
	require.NoError(t, err)
	assert.Zero(t, previews[0].UnreadCount)
}

func TestNoDeliveredReceiptsAfterStop(t *testing.T) {
	r := newFakeRemote("c1")
	h := newHarness(t, filepath.Join(t.TempDir(), "s.db"), r)
	h.network.Report(true)
	h.start(t)
	require.Eventually(t, func() bool { return h.engine.Status() == status.Ready }, 2*time.Second, time.Millisecond)

	h.engine.delivered(context.Background(), store.Message{ServerID: "m1", ConversationID: "c1", SenderID: "u2"})
	require.Eventually(t, func() bool { return r.receiptCount() == 1 }, time.Second, time.Millisecond)

	h.engine.Stop()
	h.engine.delivered(context.Background(), store.Message{ServerID: "m2", ConversationID: "c1", SenderID: "u2"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.receiptCount())
	_ = h.db.Close()
}
