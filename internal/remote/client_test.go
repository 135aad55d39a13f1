package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertMessageReturnsRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "client_id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "return=representation")
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		var body NewMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "corr-1", body.ClientID)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":42,"client_id":"corr-1","conversation_id":"c1","sender_id":"me","content":"pickup at 5","created_at":"2024-05-01T17:00:00.123456+00:00"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "anon", WithAccessToken("user-token"))
	row, err := c.InsertMessage(context.Background(), NewMessage{ClientID: "corr-1", ConversationID: "c1", SenderID: "me", Content: "pickup at 5"})
	require.NoError(t, err)
	assert.Equal(t, ID("42"), row.ID)
	assert.Equal(t, "pickup at 5", row.Content)
	assert.Equal(t, 2024, row.CreatedAt.Year())
}

// TestInsertMessageDuplicateReadsBack covers a retried insert: the server
// ignores the duplicate and the client resolves it to the stored row.
func TestInsertMessageDuplicateReadsBack(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method)
		mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value"}`))
		case http.MethodGet:
			assert.Equal(t, "eq.corr-1", r.URL.Query().Get("client_id"))
			_, _ = w.Write([]byte(`[{"id":"7","client_id":"corr-1","conversation_id":"c1","created_at":"2024-05-01T17:00:00Z"}]`))
		}
	}))
	defer srv.Close()

	row, err := New(srv.URL, "k").InsertMessage(context.Background(), NewMessage{ClientID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, ID("7"), row.ID)
	assert.Equal(t, []string{http.MethodPost, http.MethodGet}, calls)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusBadRequest, errs.Permanent},
		{http.StatusUnprocessableEntity, errs.Permanent},
		{http.StatusUnauthorized, errs.Authorization},
		{http.StatusForbidden, errs.Authorization},
		{http.StatusConflict, errs.Conflict},
		{http.StatusTooManyRequests, errs.Transient},
		{http.StatusServiceUnavailable, errs.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			err := New(srv.URL, "k").UpsertReceipt(context.Background(), ReceiptRow{MessageID: "1", UserID: "u", Status: "read"})
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "k").InsertMessage(ctx, NewMessage{ClientID: "x"})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestTimeoutDoesNotModifyCallerClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Minute}
	c := New("http://example.invalid", "k", WithHTTPClient(hc), WithTimeout(2*time.Second))
	assert.Equal(t, time.Minute, hc.Timeout)
	assert.Equal(t, 2*time.Second, c.httpClient.Timeout)

	c = New("http://example.invalid", "k", WithTimeout(time.Second), WithHTTPClient(nil))
	assert.Equal(t, time.Second, c.httpClient.Timeout)
}

func TestMemberships(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/conversation_members", r.URL.Path)
		if r.URL.Query().Get("conversation_id") == "eq.c9" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"conversation_id":"c1"},{"conversation_id":"c2"}]`))
	}))
	defer srv.Close()
	c := New(srv.URL, "k")

	ids, err := c.ListMemberships(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	ok, err := c.IsMember(context.Background(), "c9", "me")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchMessagesQuery(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "eq.c1", q.Get("conversation_id"))
		assert.Equal(t, "gt.2024-05-01T12:00:00Z", q.Get("created_at"))
		assert.Equal(t, "created_at.asc", q.Get("order"))
		_, _ = w.Write([]byte(`[{"id":1,"conversation_id":"c1","created_at":"2024-05-01 12:00:01.5+00"}]`))
	}))
	defer srv.Close()

	rows, err := New(srv.URL, "k").FetchMessages(context.Background(), "c1", since, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ID("1"), rows[0].ID)
	assert.Equal(t, 500*time.Millisecond, rows[0].CreatedAt.Sub(since.Add(time.Second)))
}

func TestTimestampLayouts(t *testing.T) {
	for _, in := range []string{
		`"2024-05-01T17:00:00Z"`,
		`"2024-05-01T17:00:00.123456+00:00"`,
		`"2024-05-01T17:00:00.123456"`,
		`"2024-05-01 17:00:00+00"`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		assert.Equal(t, 17, ts.UTC().Hour(), in)
	}
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}
