// Package ws fans deploy log events out to live subscribers.
package ws

import (
	"errors"
	"sync"
)

// ErrSlowConsumer is returned by subscribers whose buffer is full.
var ErrSlowConsumer = errors.New("ws: subscriber buffer full")

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub tracks subscribers per deploy id. Delivery is best effort and nothing
// is replayed to late subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Subscribe registers sub for events of deployID.
func (h *Hub) Subscribe(deployID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[deployID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.clients[deployID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub; the deploy's set is discarded once empty.
func (h *Hub) Unsubscribe(deployID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(deployID, sub)
}

// Broadcast sends payload to every subscriber of deployID. Subscribers whose
// Send fails are closed and dropped.
func (h *Hub) Broadcast(deployID string, payload []byte) {
	h.mu.RLock()
	set := h.clients[deployID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			failed = append(failed, sub)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range failed {
		h.removeLocked(deployID, sub)
	}
	h.mu.Unlock()
	for _, sub := range failed {
		sub.Close()
	}
}

// Count reports how many subscribers deployID has.
func (h *Hub) Count(deployID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deployID])
}

func (h *Hub) removeLocked(deployID string, sub Subscriber) {
	set, ok := h.clients[deployID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.clients, deployID)
	}
}
