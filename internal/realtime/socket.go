package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrSocketClosed is returned by requests on a socket that has gone away.
var ErrSocketClosed = errors.New("realtime socket closed")

// Socket is one live changefeed connection. Frames that are not replies
// are handed to the FrameFunc given at dial time, on a single goroutine,
// in arrival order.
type Socket interface {
	// Join subscribes topic and waits for the server's ack.
	Join(ctx context.Context, topic string, params JoinParams) error
	// Leave unsubscribes topic.
	Leave(ctx context.Context, topic string) error
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// FrameFunc receives changefeed frames.
type FrameFunc func(Envelope)

// Dialer opens a Socket.
type Dialer func(ctx context.Context, onFrame FrameFunc) (Socket, error)

// SocketConfig configures the websocket transport.
type SocketConfig struct {
	URL        string
	APIKey     string
	Heartbeat  time.Duration
	HTTPClient *http.Client
}

// NewDialer returns a Dialer speaking the channel protocol over websocket.
func NewDialer(cfg SocketConfig, logger *zap.Logger) Dialer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	return func(ctx context.Context, onFrame FrameFunc) (Socket, error) {
		return dial(ctx, cfg, onFrame, logger)
	}
}

type wsSocket struct {
	conn    *websocket.Conn
	onFrame FrameFunc
	logger  *zap.Logger

	mu      sync.Mutex
	ref     uint64
	pending map[string]chan reply

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func dial(ctx context.Context, cfg SocketConfig, onFrame FrameFunc, logger *zap.Logger) (*wsSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errs.Wrap(errs.Permanent, "parse realtime url", err)
	}
	q := u.Query()
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: cfg.HTTPClient})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "dial realtime", err)
	}
	conn.SetReadLimit(1 << 20)

	life, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		conn:    conn,
		onFrame: onFrame,
		logger:  logger,
		pending: make(map[string]chan reply),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.readLoop(life)
	go s.heartbeat(life, cfg.Heartbeat)
	return s, nil
}

func (s *wsSocket) Done() <-chan struct{} { return s.done }

func (s *wsSocket) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *wsSocket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.err = cause
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		close(s.done)
		if cause != nil {
			s.logger.Warn("realtime socket closed", zap.Error(cause))
		}
	})
}

func (s *wsSocket) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		if env.Event == eventReply && s.resolve(env) {
			continue
		}
		if env.Topic == heartbeatTopic {
			continue
		}
		if s.onFrame != nil {
			s.onFrame(env)
		}
	}
}

func (s *wsSocket) resolve(env Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.Ref]
	delete(s.pending, env.Ref)
	s.mu.Unlock()
	if !ok {
		return false
	}
	var r reply
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		r.Status = "error"
	}
	ch <- r
	return true
}

// heartbeat closes the socket when a heartbeat is not answered before the
// next one is due.
func (s *wsSocket) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, every)
			_, err := s.request(hctx, heartbeatTopic, eventHeartbeat, struct{}{})
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.shutdown(fmt.Errorf("heartbeat: %w", err))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSocket) request(ctx context.Context, topic, event string, payload any) (reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return reply{}, errs.Wrap(errs.Permanent, "encode "+event, err)
	}

	s.mu.Lock()
	s.ref++
	ref := strconv.FormatUint(s.ref, 10)
	ch := make(chan reply, 1)
	s.pending[ref] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
	}()

	env := Envelope{Topic: topic, Event: event, Payload: body, Ref: ref}
	if event == eventJoin {
		env.JoinRef = ref
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return reply{}, errs.Wrap(errs.Permanent, "encode "+event, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return reply{}, errs.Wrap(errs.Transient, event, err)
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, errs.Wrap(errs.Transient, event, ctx.Err())
	case <-s.done:
		return reply{}, errs.Wrap(errs.Transient, event, ErrSocketClosed)
	}
}

func (s *wsSocket) Join(ctx context.Context, topic string, params JoinParams) error {
	r, err := s.request(ctx, topic, eventJoin, params)
	if err != nil {
		return err
	}
	if r.Status != "ok" {
		return joinError(topic, r)
	}
	return nil
}

func (s *wsSocket) Leave(ctx context.Context, topic string) error {
	_, err := s.request(ctx, topic, eventLeave, struct{}{})
	return err
}
