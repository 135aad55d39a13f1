// Package bus is the in-process notification fabric between the sync
// components and their observers.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus fans events out to subscribers whose namespace is a prefix of the
// event kind. Delivery never blocks the publisher: a subscriber with a full
// buffer misses the event. Observers that re-read state on notification
// therefore subscribe with a buffer of 1 and get coalescing for free.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Emit is Publish with the timestamp filled in.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers for events under namespace and returns the receive
// channel with its cancel handle. The channel is never closed; after cancel
// it simply stops receiving.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
