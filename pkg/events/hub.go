// Package events fans endpoint notifications out to in-process subscribers
// and, optionally, mirrors them onto a message bus for consumers outside
// the process.
package events

import (
	"strings"
	"sync"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

// Hub fans endpoint events out to any number of subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan cdp.Event]func(cdp.Event) bool
	closed bool
}

// NewHub constructs an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan cdp.Event]func(cdp.Event) bool)}
}

// Publish notifies all matching subscribers. Non-blocking; slow subscribers
// lose events rather than stalling the session's read loop.
func (h *Hub) Publish(ev cdp.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch, filter := range h.subs {
		if filter != nil && !filter(ev) {
			continue
		}
		select {
		case ch <- ev:
		default:
			observability.EventsDropped.Inc()
		}
	}
}

// Subscribe returns a channel of future events and a cleanup func. A nil
// filter receives everything. The filter runs on the publishing goroutine,
// so it must be fast and must not block.
func (h *Hub) Subscribe(filter func(cdp.Event) bool) (<-chan cdp.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan cdp.Event)
		close(empty)
		return empty, func() {}
	}

	ch := make(chan cdp.Event, 64)
	h.subs[ch] = filter
	observability.EventSubscribers.Inc()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
			observability.EventSubscribers.Dec()
		}
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
	observability.EventSubscribers.Set(0)
}

// MatchesSubscription reports whether an event method satisfies any of the
// subscribed patterns. A pattern is either a whole domain ("Page"), which
// matches every method in it, or a fully qualified method name
// ("Runtime.consoleAPICalled").
func MatchesSubscription(method string, patterns []string) bool {
	for _, p := range patterns {
		if p == method {
			return true
		}
		if !strings.Contains(p, ".") && strings.HasPrefix(method, p+".") {
			return true
		}
	}
	return false
}
