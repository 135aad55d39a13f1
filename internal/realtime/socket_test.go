package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// channelServer answers joins and heartbeats like the changefeed server
// and pushes one change after every successful join.
func channelServer(t *testing.T, rejectTopic string, answerHeartbeats bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("apikey"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}

			var out []Envelope
			switch env.Event {
			case eventHeartbeat:
				if !answerHeartbeats {
					continue
				}
				out = append(out, Envelope{Topic: heartbeatTopic, Event: eventReply, Ref: env.Ref,
					Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
			case eventJoin:
				if env.Topic == rejectTopic {
					out = append(out, Envelope{Topic: env.Topic, Event: eventReply, Ref: env.Ref,
						Payload: json.RawMessage(`{"status":"error","response":{"reason":"Unauthorized"}}`)})
					break
				}
				out = append(out,
					Envelope{Topic: env.Topic, Event: eventReply, Ref: env.Ref,
						Payload: json.RawMessage(`{"status":"ok","response":{"postgres_changes":[]}}`)},
					Envelope{Topic: env.Topic, Event: eventChanges,
						Payload: json.RawMessage(`{"data":{"table":"messages","type":"INSERT","record":{"id":7,"conversation_id":"c1","content":"pushed"}}}`)},
				)
			case eventLeave:
				out = append(out, Envelope{Topic: env.Topic, Event: eventReply, Ref: env.Ref,
					Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
			}
			for _, o := range out {
				frame, _ := json.Marshal(o)
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket"
}

func TestSocketJoinAndReceive(t *testing.T) {
	srv := channelServer(t, "", true)
	defer srv.Close()

	frames := make(chan Envelope, 4)
	dial := NewDialer(SocketConfig{URL: wsURL(srv), APIKey: "key", Heartbeat: time.Minute}, zap.NewNop())
	sock, err := dial(context.Background(), func(env Envelope) { frames <- env })
	require.NoError(t, err)
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sock.Join(ctx, "realtime:messages:c1", JoinParams{
		Config: JoinConfig{PostgresChanges: []ChangeFilter{Messages("c1").Filter()}},
	}))

	select {
	case env := <-frames:
		ev, err := Decode(env)
		require.NoError(t, err)
		assert.Equal(t, "pushed", ev.(MessageInserted).Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	require.NoError(t, sock.Leave(ctx, "realtime:messages:c1"))
}

func TestSocketJoinRejected(t *testing.T) {
	srv := channelServer(t, "realtime:inbox", true)
	defer srv.Close()

	dial := NewDialer(SocketConfig{URL: wsURL(srv), APIKey: "key", Heartbeat: time.Minute}, zap.NewNop())
	sock, err := dial(context.Background(), nil)
	require.NoError(t, err)
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = sock.Join(ctx, "realtime:inbox", JoinParams{})
	require.Error(t, err)
	assert.True(t, errs.IsAuthorization(err))
}

func TestSocketClosesOnMissedHeartbeat(t *testing.T) {
	srv := channelServer(t, "", false)
	defer srv.Close()

	dial := NewDialer(SocketConfig{URL: wsURL(srv), APIKey: "key", Heartbeat: 20 * time.Millisecond}, zap.NewNop())
	sock, err := dial(context.Background(), nil)
	require.NoError(t, err)

	select {
	case <-sock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket stayed open without heartbeat replies")
	}
}

func TestDialFailureIsTransient(t *testing.T) {
	dial := NewDialer(SocketConfig{URL: "ws://127.0.0.1:1/websocket"}, zap.NewNop())
	_, err := dial(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}
