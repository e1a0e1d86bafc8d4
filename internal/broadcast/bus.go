// Package broadcast implements the multiple-reader, single-writer fan-out
// bus between the engine loop and every subscriber connection: a
// registered set of per-client channels, non-blocking sends, and a
// slow-reader drop instead of ever blocking the producer.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"fenrir/internal/domain"
)

// DefaultSubscriberCapacity bounds how many unread events a subscriber's
// channel may hold before it is considered lagging.
const DefaultSubscriberCapacity = 256

// Subscriber is one connection's receive cursor into the bus: a buffered
// channel plus the set of Subscription variants it currently wants events
// for. The subscription set is owned by the connection's own task and
// guarded by its own lock, since it's shared between the connection's
// read and write pumps.
type Subscriber struct {
	ID string

	ch        chan domain.EngineEvent
	lagged    chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	subs map[domain.Subscription]struct{}
}

func newSubscriber(id string, capacity int) *Subscriber {
	return &Subscriber{
		ID:     id,
		ch:     make(chan domain.EngineEvent, capacity),
		lagged: make(chan struct{}),
		subs:   make(map[domain.Subscription]struct{}),
	}
}

// Events returns the channel the owning connection should range over.
func (s *Subscriber) Events() <-chan domain.EngineEvent { return s.ch }

// Lagged closes once the bus has dropped this subscriber for falling
// behind; the owning connection should close out on this signal.
func (s *Subscriber) Lagged() <-chan struct{} { return s.lagged }

// Subscribe adds sub to this connection's subscription set.
func (s *Subscriber) Subscribe(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
}

// Unsubscribe removes sub from this connection's subscription set.
func (s *Subscriber) Unsubscribe(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Empty reports whether the subscription set currently holds nothing.
func (s *Subscriber) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs) == 0
}

func (s *Subscriber) wants(candidates []domain.Subscription) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range candidates {
		if _, ok := s.subs[c]; ok {
			return true
		}
	}
	return false
}

func (s *Subscriber) drop() {
	s.closeOnce.Do(func() { close(s.lagged) })
}

// Bus is the broadcast bus the engine publishes onto. Publish is called
// synchronously from the engine loop and must never block on a reader.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	capacity    int
}

// NewBus constructs an empty bus. subscriberCapacity bounds the
// per-subscriber backlog before it is dropped as lagging; <= 0 uses
// DefaultSubscriberCapacity.
func NewBus(subscriberCapacity int) *Bus {
	if subscriberCapacity <= 0 {
		subscriberCapacity = DefaultSubscriberCapacity
	}
	return &Bus{subscribers: make(map[string]*Subscriber), capacity: subscriberCapacity}
}

// Join registers a new subscriber under id (typically the connection id)
// and returns its handle.
func (b *Bus) Join(id string) *Subscriber {
	sub := newSubscriber(id, b.capacity)
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

// Leave removes a subscriber, e.g. once its connection has closed.
func (b *Bus) Leave(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish fans evt out to every subscriber whose set matches one of
// evt.Subscribers(). A subscriber whose channel is full is dropped rather
// than allowed to block this call: the engine must never stall on a slow
// subscriber.
func (b *Bus) Publish(evt domain.EngineEvent) {
	wanted := evt.Subscribers()
	if len(wanted) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !sub.wants(wanted) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Warn().Str("subscriber", sub.ID).Msg("broadcast: slow reader dropped")
			sub.drop()
		}
	}
}
