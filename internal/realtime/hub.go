package realtime

import (
	"log"
	"sync"
)

// subscriptionBuffer bounds the per-connection event queue. A session that
// cannot drain this many events loses the overflow rather than stalling
// fanout to its siblings.
const subscriptionBuffer = 64

// Hub is the process-local channel registry: account id to the set of live
// subscriptions. It is shared by every connection's bind/unbind and every
// mutation's publish, so all access happens under one mutex; contention is
// bounded by the number of live sessions per account.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*Subscription]struct{})}
}

// Subscription is one connection's membership in its account channel.
type Subscription struct {
	hub       *Hub
	accountID string
	events    chan Event
	closeOnce sync.Once
}

// Bind registers a new subscription under the account's channel, creating the
// channel on first use. Callers must have authenticated the connection before
// binding; the hub itself trusts the account id it is given.
func (h *Hub) Bind(accountID string) *Subscription {
	sub := &Subscription{
		hub:       h,
		accountID: accountID,
		events:    make(chan Event, subscriptionBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[accountID]
	if !ok {
		channel = make(map[*Subscription]struct{})
		h.channels[accountID] = channel
	}
	channel[sub] = struct{}{}
	return sub
}

// Events is the stream of broadcasts for this subscription. The channel is
// closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close removes the subscription from its channel and discards the channel
// once empty. Safe to call more than once; double removal is a no-op.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		h := s.hub
		h.mu.Lock()
		if channel, ok := h.channels[s.accountID]; ok {
			delete(channel, s)
			if len(channel) == 0 {
				delete(h.channels, s.accountID)
			}
		}
		h.mu.Unlock()
		close(s.events)
	})
}

// Publish delivers event to every subscription bound to the account,
// including the one belonging to the originating session. Delivery is
// fire-and-forget per connection: a subscriber with a full buffer misses the
// event, and the rest are unaffected.
func (h *Hub) Publish(accountID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.channels[accountID] {
		select {
		case sub.events <- event:
		default:
			log.Printf("realtime: dropping %s event for slow subscriber (account=%s)", event.Type, accountID)
		}
	}
}

// ConnectionCount reports the number of live subscriptions for an account.
func (h *Hub) ConnectionCount(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[accountID])
}
