package reconcile

import (
	"slices"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing signal counts without a refresh.
const DefaultTypingTTL = 5 * time.Second

// TypingTracker remembers who is typing where. Entries expire lazily when
// read.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]time.Time // conversation -> user -> signal time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{ttl: ttl, now: time.Now, entries: make(map[string]map[string]time.Time)}
}

// SetClock replaces the time source. Tests only.
func (t *TypingTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Set records a typing signal stamped at (zero means now). Expiry counts
// from at, so a replayed stale signal is not shown, and a signal older than
// the one already held is ignored. It reports whether the visible state of
// the conversation changed.
func (t *TypingTracker) Set(conversationID, userID string, typing bool, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	users := t.entries[conversationID]
	last, ok := users[userID]
	if ok && at.Before(last) {
		return false
	}
	visible := ok && now.Sub(last) < t.ttl

	if !typing {
		if !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.entries, conversationID)
		}
		return visible
	}
	if now.Sub(at) >= t.ttl {
		return false
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = at
	return !visible
}

// Typing lists users typing in conversationID, sorted.
func (t *TypingTracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []string
	for user, at := range t.entries[conversationID] {
		if now.Sub(at) >= t.ttl {
			delete(t.entries[conversationID], user)
			continue
		}
		out = append(out, user)
	}
	if len(t.entries[conversationID]) == 0 {
		delete(t.entries, conversationID)
	}
	slices.Sort(out)
	return out
}
