// Package membership answers whether a user belongs to a conversation,
// from the local mirror first and the remote store second.
package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Remote is the server side membership lookup.
type Remote interface {
	ListMemberships(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

type key struct {
	conversationID string
	userID         string
}

// PositiveTTL is how long a local membership is trusted before it is
// checked against the server again.
const PositiveTTL = 5 * time.Minute

// Cache verifies memberships. Positive remote answers are persisted and
// re-verified after PositiveTTL; negative ones are remembered in memory for
// a short TTL so a stream of foreign events does not turn into a stream of
// lookups.
type Cache struct {
	db          *store.DB
	remote      Remote
	logger      *zap.Logger
	ttl         time.Duration
	positiveTTL time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	negative map[key]time.Time
	verified map[key]time.Time
}

func New(db *store.DB, remote Remote, logger *zap.Logger, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		db:          db,
		remote:      remote,
		logger:      logger,
		ttl:         ttl,
		positiveTTL: PositiveTTL,
		timeout:     10 * time.Second,
		now:         time.Now,
		negative:    make(map[key]time.Time),
		verified:    make(map[key]time.Time),
	}
}

// IsMember reports whether userID belongs to conversationID.
func (c *Cache) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if conversationID == "" || userID == "" {
		return false, nil
	}
	ok, err := c.db.IsMember(conversationID, userID)
	if err != nil {
		return false, err
	}
	k := key{conversationID, userID}
	if ok {
		return c.recheck(ctx, k)
	}

	c.mu.Lock()
	until, cached := c.negative[k]
	if cached && c.now().After(until) {
		delete(c.negative, k)
		cached = false
	}
	c.mu.Unlock()
	if cached || c.remote == nil {
		return false, nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err = c.remote.IsMember(rctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("verify membership: %w", err)
	}
	if !ok {
		c.mu.Lock()
		c.negative[k] = c.now().Add(c.ttl)
		c.mu.Unlock()
		return false, nil
	}
	if err := c.db.AddMembership(conversationID, userID); err != nil {
		c.logger.Warn("failed to persist membership", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	c.mu.Lock()
	c.verified[k] = c.now()
	c.mu.Unlock()
	return true, nil
}

// recheck answers for a membership the local mirror holds. A stale one is
// verified again; if the server cannot be reached the mirror stands.
func (c *Cache) recheck(ctx context.Context, k key) (bool, error) {
	now := c.now()
	c.mu.Lock()
	at, seen := c.verified[k]
	if !seen {
		at = now
		c.verified[k] = at
	}
	c.mu.Unlock()
	if now.Sub(at) < c.positiveTTL || c.remote == nil {
		return true, nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.remote.IsMember(rctx, k.conversationID, k.userID)
	if err != nil {
		c.logger.Debug("membership recheck failed, keeping local answer",
			zap.Error(err), zap.String("conversation_id", k.conversationID))
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.verified[k] = now
		return true, nil
	}
	delete(c.verified, k)
	c.negative[k] = now.Add(c.ttl)
	if err := c.db.RemoveMembership(k.conversationID, k.userID); err != nil {
		c.logger.Warn("failed to drop membership", zap.Error(err), zap.String("conversation_id", k.conversationID))
	}
	c.logger.Info("membership revoked", zap.String("conversation_id", k.conversationID))
	return false, nil
}

// Refresh replaces the local mirror with the server's view for userID and
// returns the conversation ids.
func (c *Cache) Refresh(ctx context.Context, userID string) ([]string, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ids, err := c.remote.ListMemberships(rctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if err := c.db.ReplaceMemberships(userID, ids); err != nil {
		return nil, err
	}

	now := c.now()
	c.mu.Lock()
	clear(c.negative)
	clear(c.verified)
	for _, id := range ids {
		c.verified[key{id, userID}] = now
	}
	c.mu.Unlock()

	c.logger.Debug("memberships refreshed", zap.Int("count", len(ids)))
	return ids, nil
}
