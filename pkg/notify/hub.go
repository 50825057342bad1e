// Package notify fans out per lock name release notifications to local
// waiters. A notification carries no payload: it only says "look again".
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcast publishes to every subscriber regardless of name.
const Broadcast = ""

// Hub is an in-process pub/sub keyed by lock name.
// Delivery is coalescing: a subscriber that has not consumed the previous
// notification does not get a second one.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}

	published uint64
	delivered uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan struct{})}
}

// Publish wakes every subscriber of name, or everyone for Broadcast.
func (h *Hub) Publish(name string) {
	atomic.AddUint64(&h.published, 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	if name == Broadcast {
		for _, chans := range h.subs {
			h.deliver(chans)
		}
		return
	}
	h.deliver(h.subs[name])
}

// sends without blocking, caller holds h.mu so no channel closes underneath
func (h *Hub) deliver(chans []chan struct{}) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&h.delivered, 1)
		default:
		}
	}
}

// Subscribe returns a channel notified on every release of name.
// The channel is closed once ctx is done.
func (h *Hub) Subscribe(ctx context.Context, name string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	h.subs[name] = append(h.subs[name], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(name, ch)
	}()
	return ch
}

func (h *Hub) unsubscribe(name string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[name]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, name)
	} else {
		h.subs[name] = subs
	}
}

// number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, chans := range h.subs {
		n += len(chans)
	}
	return n
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

func (h *Hub) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&h.published),
		Delivered: atomic.LoadUint64(&h.delivered),
	}
}
