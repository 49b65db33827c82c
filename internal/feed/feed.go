// Package feed fans out UI-facing signals to any number of subscribers.
package feed

import (
	"sync"

	appLog "chronocal/internal/log"
)

const defaultBuffer = 64

// Hub broadcasts values of type T. Publishing never blocks: a subscriber
// whose buffer is full misses the value and the drop is logged.
type Hub[T any] struct {
	name string

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan T
	closed bool
}

// NewHub returns a hub; name is only used in log lines.
func NewHub[T any](name string) *Hub[T] {
	return &Hub[T]{
		name: name,
		subs: make(map[int]chan T),
	}
}

// Subscribe returns a channel of future values and a function that
// unsubscribes and closes the channel. Calling the function twice is safe.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, defaultBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			appLog.Warn("feed: subscriber buffer full, dropping value", "feed", h.name, "subscriber", id)
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
