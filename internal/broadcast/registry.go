package broadcast

import (
	"sync"
	"time"

	"fenrir/internal/domain"
)

// Lifecycle timers applied to every subscriber connection.
const (
	PingInterval        = 30 * time.Second
	PongTimeout         = 60 * time.Second
	UnsubscribedTimeout = 300 * time.Second
)

// Connection layers per-connection lifecycle state (last_pong,
// last_sub_change, and the derived unsubscribed-since clock) on top of a
// bus Subscriber's subscription set and receive cursor.
type Connection struct {
	*Subscriber

	mu             sync.Mutex
	lastPong       time.Time
	lastSubChange  time.Time
	unsubscribedAt time.Time // zero while the subscription set is non-empty
}

// NewConnection wraps sub with lifecycle bookkeeping anchored at now.
func NewConnection(sub *Subscriber, now time.Time) *Connection {
	return &Connection{Subscriber: sub, lastPong: now, lastSubChange: now, unsubscribedAt: now}
}

// TouchPong records a received pong at now.
func (c *Connection) TouchPong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = now
}

// Subscribe adds sub to the connection's set and refreshes last_sub_change.
func (c *Connection) Subscribe(sub domain.Subscription, now time.Time) {
	c.Subscriber.Subscribe(sub)
	c.mu.Lock()
	c.lastSubChange = now
	c.unsubscribedAt = time.Time{}
	c.mu.Unlock()
}

// Unsubscribe removes sub from the connection's set and refreshes
// last_sub_change, starting the unsubscribed-timeout clock if the set is
// now empty.
func (c *Connection) Unsubscribe(sub domain.Subscription, now time.Time) {
	c.Subscriber.Unsubscribe(sub)
	c.mu.Lock()
	c.lastSubChange = now
	if c.Subscriber.Empty() {
		c.unsubscribedAt = now
	}
	c.mu.Unlock()
}

// ShouldClose reports whether, as of now, this connection has violated
// the pong-timeout or unsubscribed-timeout lifecycle rules and, if so, why.
func (c *Connection) ShouldClose(now time.Time) (shouldClose bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPong) > PongTimeout {
		return true, "pong_timeout"
	}
	if !c.unsubscribedAt.IsZero() && now.Sub(c.unsubscribedAt) > UnsubscribedTimeout {
		return true, "unsubscribed_timeout"
	}
	return false, ""
}
