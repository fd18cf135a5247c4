package server

import "sync"

// Hub is the local pub/sub of connected clients, keyed by stream name.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Client]struct{})}
}

// Subscribe adds c to topic.
func (h *Hub) Subscribe(topic string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

// Unsubscribe removes c from topic.
func (h *Hub) Unsubscribe(topic string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish queues messages on every client of topic, as one write each.
func (h *Hub) Publish(topic string, messages [][]byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		c.sendBatch(messages)
	}
}

// NumSubscribers returns the number of clients on topic.
func (h *Hub) NumSubscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
