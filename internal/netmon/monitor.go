// Package netmon tracks connectivity and signals every regain of it.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Prober answers whether the remote side is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber reports online when a TCP connection to Addr succeeds.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Monitor holds the current connectivity flag. Subscribers get one signal
// per offline to online transition, never one per poll.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan struct{}
	next   int
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. It starts offline, so the first successful probe
// is reported as a reconnect. prober may be nil when connectivity is only
// pushed through Report.
func New(prober Prober, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		bus:      b,
		logger:   logger,
		subs:     make(map[int]chan struct{}),
	}
}

// Start launches the polling loop. It is a no-op without a prober.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ticker.C:
			m.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	online := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.Report(online)
}

// Report records an observation of connectivity. Only a change of state
// has an effect.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var targets []chan struct{}
	if online {
		for _, ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	if m.bus != nil {
		m.bus.Emit(kind, nil)
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives a value on every reconnect and
// a cancel handle. A signal that finds the previous one unconsumed is
// merged with it.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
