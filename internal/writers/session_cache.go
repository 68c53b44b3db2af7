// Package writers implements the outgoing half of the core: optimistic
// message publication, conversation metadata mutation and explosion.
package writers

import (
	"context"
	"sync"

	"chatsync/internal/protocol"
)

// SessionCache holds at most one open session per conversation. Sessions are
// expensive to establish, so they are reused until a publish error
// invalidates them.
type SessionCache struct {
	client protocol.Client

	mu       sync.Mutex
	sessions map[string]protocol.Session
}

// NewSessionCache constructs a SessionCache.
func NewSessionCache(client protocol.Client) *SessionCache {
	return &SessionCache{client: client, sessions: make(map[string]protocol.Session)}
}

// Session returns the cached session for a group, opening one if needed.
func (c *SessionCache) Session(ctx context.Context, networkID string) (protocol.Session, error) {
	c.mu.Lock()
	if sess, ok := c.sessions[networkID]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	// Open outside the lock; session setup can take a network round-trip.
	sess, err := c.client.OpenSession(ctx, networkID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[networkID]; ok {
		_ = sess.Close()
		return existing, nil
	}
	c.sessions[networkID] = sess
	return sess, nil
}

// Invalidate drops and closes a cached session after a publish failure.
func (c *SessionCache) Invalidate(networkID string) {
	c.mu.Lock()
	sess, ok := c.sessions[networkID]
	delete(c.sessions, networkID)
	c.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

// Close closes every cached session.
func (c *SessionCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sess := range c.sessions {
		_ = sess.Close()
		delete(c.sessions, id)
	}
}
