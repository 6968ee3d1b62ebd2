// Package events is a small typed publish/subscribe bus for engine status
// and queue reports.
package events

import "sync"

// Bus fans values of T out to subscribers. Delivery is best effort: each
// subscriber receives an event at most once, and a subscriber whose buffer
// is full misses it. Publish never blocks.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a listener with the given buffer size. The returned
// function unsubscribes and closes the channel; calling it twice is safe.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber with room for it and returns how
// many received it.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel and later publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
