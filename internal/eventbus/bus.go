package eventbus

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, so delivery to one subscriber is FIFO per
// publisher. Handlers must not block.
type Handler func(Event)

type subscription struct {
	id        uint64
	eventType string
	handler   Handler
}

// Bus is an explicitly constructed pub/sub object whose lifecycle is
// tied to one coordinator instance. It is never a process-wide
// singleton; tests build their own.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *log.Logger
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type and returns a token
// for Unsubscribe. Subscribing to "*" receives every event.
func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subs[eventType] = append(b.subs[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe("*", handler)
}

func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers event to type-specific handlers first, then wildcard
// handlers, in registration order. A panicking handler is recovered and
// logged so it cannot break delivery to the rest; the publisher never
// learns or cares whether anyone was listening.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	specific := make([]subscription, len(b.subs[event.EventType()]))
	copy(specific, b.subs[event.EventType()])
	wildcard := make([]subscription, len(b.subs["*"]))
	copy(wildcard, b.subs["*"])
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event handler panic type=%s: %v\n%s", event.EventType(), r, debug.Stack())
		}
	}()
	handler(event)
}

func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}

func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}
