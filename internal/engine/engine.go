// Package engine is the sync engine's surface for a UI: sends, observable
// conversations, receipts and the session lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
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
	"github.com/matheus3301/chatsync/internal/send"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Remote is the part of the remote store the engine calls directly.
type Remote interface {
	FetchMessages(ctx context.Context, conversationID string, since time.Time, limit int) ([]remote.MessageRow, error)
	FetchConversations(ctx context.Context, ids []string) ([]remote.ConversationRow, error)
	UpsertTyping(ctx context.Context, t remote.TypingRow) error
}

// Deps are the components an Engine drives. All of them are owned by the
// caller and constructed per session.
type Deps struct {
	DB         *store.DB
	Bus        *bus.Bus
	Logger     *zap.Logger
	Remote     Remote
	Network    *netmon.Monitor
	Outbox     *outbox.Synchronizer
	Realtime   *realtime.Manager
	Reconciler *reconcile.Reconciler
	Typing     *reconcile.TypingTracker
	Receipts   *receipt.Marker
	Members    *membership.Cache
	Sender     *send.Coordinator
}

// Config holds the session identity and catch-up tuning.
type Config struct {
	UserID       string
	CatchUpLimit int
	Timeout      time.Duration
}

const checkpointPrefix = "catchup:"

type Engine struct {
	Deps
	cfg    Config
	status *status.Machine

	mu          sync.Mutex
	sessionSubs []*realtime.Subscription
	stopped     bool // no background work is started once set

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d Deps, cfg Config) *Engine {
	if cfg.CatchUpLimit <= 0 {
		cfg.CatchUpLimit = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	e := &Engine{Deps: d, cfg: cfg, status: status.NewMachine(d.Bus)}
	d.Reconciler.OnIncoming(e.delivered)
	return e
}

// UserID is the session user.
func (e *Engine) UserID() string { return e.cfg.UserID }

// Status is the session connection state.
func (e *Engine) Status() status.State { return e.status.Current() }

// Online reports the last observed connectivity.
func (e *Engine) Online() bool { return e.Network.Online() }

// Start brings the session up: session scopes and every background loop.
// Memberships are refreshed and missed messages fetched on every
// transition to online, the first one included.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.setStatus(status.Connecting)

	for _, scope := range []realtime.Scope{realtime.Inbox(), realtime.Conversations()} {
		sub, err := e.Realtime.Subscribe(scope)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", scope.Key(), err)
		}
		e.mu.Lock()
		e.sessionSubs = append(e.sessionSubs, sub)
		e.mu.Unlock()
	}

	reconnects, unsub := e.Network.Subscribe()
	netEvents, unsubNet := e.Bus.Subscribe(bus.KindNetOffline, 1)

	e.Network.Start(ctx)
	e.Outbox.Start(ctx)
	e.Realtime.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		defer unsubNet()
		for {
			select {
			case <-reconnects:
				e.reconnected(ctx)
			case <-netEvents:
				e.setStatus(status.Offline)
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.Network.Online() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconnected(ctx)
		}()
	} else {
		e.setStatus(status.Offline)
	}
	return nil
}

// Stop tears the session down. Scopes are released before the loops stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	subs := e.sessionSubs
	e.sessionSubs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.Realtime.Stop()
	e.Outbox.Stop()
	e.Network.Stop()
	e.wg.Wait()
	e.setStatus(status.Stopped)
}

func (e *Engine) setStatus(to status.State) {
	if e.status.Current() == to {
		return
	}
	if err := e.status.Transition(to); err != nil {
		e.Logger.Debug("ignored status change", zap.Error(err))
	}
}

func (e *Engine) reconnected(ctx context.Context) {
	if cur := e.status.Current(); cur == status.Ready {
		e.setStatus(status.Reconnecting)
	}
	e.setStatus(status.Connecting)

	if _, err := e.Members.Refresh(ctx, e.cfg.UserID); err != nil {
		e.Logger.Warn("membership refresh failed", zap.Error(err))
	}
	if err := e.CatchUp(ctx); err != nil {
		e.Logger.Warn("catch-up incomplete", zap.Error(err))
	}
	if e.Network.Online() {
		e.setStatus(status.Ready)
	}
}

// CatchUp fetches what the changefeed may have missed while disconnected,
// for every conversation the user belongs to.
func (e *Engine) CatchUp(ctx context.Context) error {
	ids, err := e.DB.Memberships(e.cfg.UserID)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	convs, err := e.Remote.FetchConversations(cctx, ids)
	cancel()
	if err != nil {
		e.Logger.Warn("failed to fetch conversations", zap.Error(err))
	}
	for _, c := range convs {
		if err := e.DB.UpsertConversation(store.Conversation{
			ID:                 c.ID,
			Title:              c.Title,
			LastMessagePreview: c.LastMessagePreview,
			LastMessageAt:      c.LastMessageAt.Time,
			UpdatedAt:          c.UpdatedAt.Time,
		}); err != nil {
			return err
		}
	}
	if len(convs) > 0 {
		e.Bus.Emit(bus.KindConversationChanged, bus.ConversationRef{})
	}

	var errList []error
	for _, id := range ids {
		if err := e.catchUpConversation(ctx, id); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errList...)
}

func (e *Engine) catchUpConversation(ctx context.Context, conversationID string) error {
	var since time.Time
	if v, err := e.DB.GetState(checkpointPrefix + conversationID); err == nil && v != "" {
		since, _ = time.Parse(time.RFC3339Nano, v)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	rows, err := e.Remote.FetchMessages(cctx, conversationID, since, e.cfg.CatchUpLimit)
	cancel()
	if err != nil {
		return err
	}

	latest := since
	for _, row := range rows {
		if _, err := e.Reconciler.ApplyMessage(ctx, store.Message{
			CorrelationID:  row.ClientID,
			ServerID:       string(row.ID),
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Content:        row.Content,
			CreatedAt:      row.CreatedAt.Time,
		}); err != nil {
			return err
		}
		if row.CreatedAt.After(latest) {
			latest = row.CreatedAt.Time
		}
	}
	if latest.After(since) {
		return e.DB.SetState(checkpointPrefix+conversationID, latest.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// delivered marks incoming messages as delivered to this device. It runs
// off the realtime read goroutine, which open views can keep alive past
// Stop.
func (e *Engine) delivered(ctx context.Context, m store.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Receipts.MarkDelivered(context.WithoutCancel(ctx), []string{m.ServerID}, e.cfg.UserID)
	}()
}

// Send queues a message. It never blocks on the network.
func (e *Engine) Send(content, conversationID string) store.Message {
	return e.Sender.Send(content, conversationID)
}

// SendWithID is Send with a caller chosen correlation id.
func (e *Engine) SendWithID(correlationID, content, conversationID string) store.Message {
	return e.Sender.SendWithID(correlationID, content, conversationID)
}

// Messages returns the ordered snapshot of a conversation.
func (e *Engine) Messages(conversationID string) ([]store.Message, error) {
	return e.DB.Messages(conversationID)
}

// Previews returns the conversation list.
func (e *Engine) Previews() ([]store.Preview, error) {
	return e.DB.Previews(e.cfg.UserID)
}

// MarkRead marks messages (by server id) read by the session user.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string) receipt.Result {
	return e.Receipts.MarkRead(ctx, messageIDs, e.cfg.UserID)
}

// Retry requeues a failed message.
func (e *Engine) Retry(correlationID string) error {
	return e.Outbox.Retry(correlationID)
}

// Discard abandons a failed message.
func (e *Engine) Discard(correlationID string) error {
	return e.Outbox.Discard(correlationID)
}

// Drain submits pending messages now.
func (e *Engine) Drain(ctx context.Context) (outbox.Result, error) {
	return e.Outbox.Drain(ctx)
}

// SetTyping publishes the session user's typing state.
func (e *Engine) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.Remote.UpsertTyping(tctx, remote.TypingRow{
		ConversationID: conversationID,
		UserID:         e.cfg.UserID,
		IsTyping:       typing,
		UpdatedAt:      remote.Timestamp{Time: time.Now()},
	})
}

// Observe emits the ordered snapshot of conversationID, then a new one
// after every change. A slow reader only ever sees the latest snapshot.
// The channel is closed by cancel.
func (e *Engine) Observe(conversationID string) (<-chan []store.Message, func()) {
	return watch(e, []string{bus.KindMessageChanged}, func() ([]store.Message, error) {
		return e.DB.Messages(conversationID)
	}, slices.Equal)
}

// ConversationPreviews is Observe for the conversation list.
func (e *Engine) ConversationPreviews() (<-chan []store.Preview, func()) {
	return watch(e, []string{bus.KindMessageChanged, bus.KindConversationChanged}, e.Previews, equalPreviews)
}

// OpenConversation subscribes the scopes a conversation view needs.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*View, error) {
	ok, err := e.Members.IsMember(ctx, conversationID, e.cfg.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Authorization, "open conversation "+conversationID)
	}

	v := &View{engine: e, conversationID: conversationID}
	for _, scope := range []realtime.Scope{
		realtime.Messages(conversationID),
		realtime.Typing(conversationID),
		realtime.Receipts(conversationID),
	} {
		sub, err := e.Realtime.Subscribe(scope)
		if err != nil {
			v.Close()
			return nil, err
		}
		v.subs = append(v.subs, sub)
	}
	return v, nil
}

// View holds the subscriptions of one open conversation.
type View struct {
	engine         *Engine
	conversationID string
	subs           []*realtime.Subscription
	once           sync.Once
}

func (v *View) ConversationID() string { return v.conversationID }

// Typing lists the other users typing right now.
func (v *View) Typing() []string {
	return v.engine.Typing.Typing(v.conversationID)
}

// Observe is Engine.Observe for this conversation.
func (v *View) Observe() (<-chan []store.Message, func()) {
	return v.engine.Observe(v.conversationID)
}

// Close releases the view's subscriptions. No events for them are
// dispatched after it returns.
func (v *View) Close() {
	v.once.Do(func() {
		for _, sub := range v.subs {
			sub.Close()
		}
	})
}

func equalPreviews(a, b []store.Preview) bool {
	return slices.EqualFunc(a, b, func(x, y store.Preview) bool {
		if x.ConversationID != y.ConversationID || x.Title != y.Title ||
			x.UnreadCount != y.UnreadCount || !x.LastActivity.Equal(y.LastActivity) {
			return false
		}
		if (x.LastMessage == nil) != (y.LastMessage == nil) {
			return false
		}
		return x.LastMessage == nil || *x.LastMessage == *y.LastMessage
	})
}
