package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Handler consumes decoded events of active subscriptions.
type Handler interface {
	Handle(ctx context.Context, scope Scope, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, scope Scope, ev Event)

func (f HandlerFunc) Handle(ctx context.Context, scope Scope, ev Event) { f(ctx, scope, ev) }

// Config tunes the manager.
type Config struct {
	AccessToken string
	JoinTimeout time.Duration
	Join        retry.Strategy // per scope join retries
	Reconnect   retry.Strategy // redial backoff; MaxAttempts is ignored
}

// Failure is the payload of realtime.subscription_failed.
type Failure struct {
	Scope Scope
	Err   error
}

// Manager owns the changefeed connection and every live subscription.
type Manager struct {
	dial    Dialer
	handler Handler
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu   sync.Mutex
	sock Socket
	subs map[string]*Subscription // by topic

	runCtx context.Context
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(dial Dialer, handler Handler, b *bus.Bus, logger *zap.Logger, cfg Config) *Manager {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Join.BaseDelay <= 0 {
		cfg.Join = retry.DefaultStrategy()
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect = retry.DefaultStrategy()
	}
	return &Manager{
		dial:    dial,
		handler: handler,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		subs:    make(map[string]*Subscription),
		runCtx:  context.Background(),
		wake:    make(chan struct{}, 1),
	}
}

// Subscription is a reference counted handle on one scope.
type Subscription struct {
	m       *Manager
	scope   Scope
	machine *status.Machine

	refs   int  // guarded by m.mu
	gaveUp bool // guarded by m.mu; cleared on reconnect

	// dispatch holds dmu for reading while the handler runs; Close takes
	// it for writing.
	dmu    sync.RWMutex
	closed bool
}

func (s *Subscription) Scope() Scope { return s.scope }

func (s *Subscription) State() status.State { return s.machine.Current() }

// Close drops one reference. Releasing the last one stops dispatch before
// returning; the server side leave is sent in the background.
func (s *Subscription) Close() {
	s.m.release(s)
}

// Subscribe registers interest in scope. A scope already subscribed is
// shared. The join happens asynchronously; watch State or the
// realtime.subscription_state bus events.
func (m *Manager) Subscribe(scope Scope) (*Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, errs.Wrap(errs.Permanent, "subscribe "+scope.Key(), err)
	}

	m.mu.Lock()
	topic := scope.Topic()
	if sub, ok := m.subs[topic]; ok {
		sub.refs++
		m.mu.Unlock()
		return sub, nil
	}
	sub := &Subscription{
		m:       m,
		scope:   scope,
		machine: status.NewTableMachine(status.SubscriptionTable, status.Closed, m.bus, bus.KindSubscriptionState, scope.Key()),
		refs:    1,
	}
	m.subs[topic] = sub
	m.mu.Unlock()

	m.signal()
	return sub, nil
}

func (m *Manager) release(sub *Subscription) {
	m.mu.Lock()
	if sub.refs == 0 {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}
	if m.subs[sub.scope.Topic()] == sub {
		delete(m.subs, sub.scope.Topic())
	}
	sock := m.sock
	m.mu.Unlock()

	sub.dmu.Lock()
	sub.closed = true
	sub.dmu.Unlock()

	wasActive := sub.machine.TransitionFrom(status.Active, status.Closed)
	sub.machine.TransitionFrom(status.Subscribing, status.Closed)
	if wasActive {
		metrics.DecActiveSubscriptions()
		if sock != nil {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
				defer cancel()
				if err := sock.Leave(ctx, sub.scope.Topic()); err != nil {
					m.logger.Debug("leave failed", zap.String("scope", sub.scope.Key()), zap.Error(err))
				}
			}()
		}
	}
}

// Connected reports whether a socket is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock != nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start runs the connection loop until Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop closes the socket and moves every subscription to closed.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		sock, err := m.dial(ctx, m.onFrame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := m.cfg.Reconnect.Delay(attempt)
			m.logger.Warn("realtime dial failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		if attempt > 0 {
			metrics.IncResubscribe()
		}
		attempt = 0
		m.logger.Info("realtime connected")

		m.mu.Lock()
		m.sock = sock
		for _, sub := range m.subs {
			sub.gaveUp = false
		}
		m.mu.Unlock()

		if !m.serve(ctx, sock) {
			_ = sock.Close()
			m.dropped()
			return
		}
		m.dropped()
		m.logger.Warn("realtime connection lost, reconnecting")
	}
}

// serve joins pending scopes until the socket dies (true) or ctx ends
// (false).
func (m *Manager) serve(ctx context.Context, sock Socket) bool {
	m.joinPending(ctx, sock)
	for {
		select {
		case <-m.wake:
			m.joinPending(ctx, sock)
		case <-sock.Done():
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) joinPending(ctx context.Context, sock Socket) {
	m.mu.Lock()
	var pending []*Subscription
	for _, sub := range m.subs {
		if !sub.gaveUp && sub.machine.TransitionFrom(status.Closed, status.Subscribing) {
			pending = append(pending, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range pending {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.join(ctx, sock, sub)
		}()
	}
}

// join runs with sub already in subscribing.
func (m *Manager) join(ctx context.Context, sock Socket, sub *Subscription) {
	params := JoinParams{
		Config:      JoinConfig{PostgresChanges: []ChangeFilter{sub.scope.Filter()}},
		AccessToken: m.cfg.AccessToken,
	}
	topic := sub.scope.Topic()

	for attempt := 1; ; attempt++ {
		jctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
		err := sock.Join(jctx, topic, params)
		cancel()

		if err == nil {
			if sub.machine.TransitionFrom(status.Subscribing, status.Active) {
				metrics.IncActiveSubscriptions()
				m.logger.Debug("subscription active", zap.String("scope", sub.scope.Key()))
				return
			}
			// Released while joining.
			lctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
			_ = sock.Leave(lctx, topic)
			cancel()
			return
		}

		if ctx.Err() != nil || isDone(sock) || sub.State() != status.Subscribing {
			sub.machine.TransitionFrom(status.Subscribing, status.Closed)
			return
		}
		if errs.IsAuthorization(err) || !m.cfg.Join.IsRetryable(attempt) {
			m.giveUp(sub, err, attempt)
			return
		}
		metrics.IncResubscribe()
		delay := m.cfg.Join.Delay(attempt)
		m.logger.Debug("join failed, retrying",
			zap.String("scope", sub.scope.Key()), zap.Error(err), zap.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			sub.machine.TransitionFrom(status.Subscribing, status.Closed)
			return
		}
	}
}

func (m *Manager) giveUp(sub *Subscription, err error, attempts int) {
	m.mu.Lock()
	sub.gaveUp = true
	m.mu.Unlock()
	sub.machine.TransitionFrom(status.Subscribing, status.Closed)
	m.logger.Warn("subscription failed",
		zap.String("scope", sub.scope.Key()), zap.Int("attempts", attempts), zap.Error(err))
	m.bus.Emit(bus.KindSubscriptionFailed, Failure{Scope: sub.scope, Err: err})
}

// dropped moves every subscription to closed after the socket went away.
func (m *Manager) dropped() {
	m.mu.Lock()
	m.sock = nil
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.machine.TransitionFrom(status.Active, status.Closed) {
			metrics.DecActiveSubscriptions()
		}
		sub.machine.TransitionFrom(status.Subscribing, status.Closed)
	}
}

// onFrame runs on the socket's read goroutine.
func (m *Manager) onFrame(env Envelope) {
	m.mu.Lock()
	sub := m.subs[env.Topic]
	m.mu.Unlock()
	if sub == nil {
		return
	}

	switch env.Event {
	case eventError, eventClose:
		// The server dropped this channel; rejoin it.
		if sub.machine.TransitionFrom(status.Active, status.Closed) {
			metrics.DecActiveSubscriptions()
			m.logger.Warn("channel closed by server", zap.String("scope", sub.scope.Key()), zap.String("event", env.Event))
			m.signal()
		}
		return
	case eventChanges:
	default:
		return
	}

	ev, err := Decode(env)
	if err != nil {
		if errors.Is(err, ErrUnknownChange) {
			m.logger.Debug("dropping change", zap.String("scope", sub.scope.Key()), zap.Error(err))
		} else {
			m.logger.Warn("undecodable change", zap.String("scope", sub.scope.Key()), zap.Error(err))
		}
		metrics.IncRealtimeEvent(string(sub.scope.Kind), "undecodable")
		return
	}

	sub.dmu.RLock()
	defer sub.dmu.RUnlock()
	if sub.closed || sub.State() != status.Active {
		metrics.IncRealtimeEvent(string(sub.scope.Kind), "inactive")
		return
	}
	m.handler.Handle(m.runCtx, sub.scope, ev)
}

func isDone(sock Socket) bool {
	select {
	case <-sock.Done():
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
