package events

import (
	"sync"
)

// sendBufferSize is the capacity of the per-subscriber message channel.
// A subscriber whose buffer fills up is disconnected so a slow consumer
// cannot stall the publishers.
const sendBufferSize = 64

// Hub is the broadcast broker. Register/unregister are serialised through
// the Run loop; Publish copies the target set under a short read-lock and
// sends outside it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Subscriber]struct{}
	topics  map[string]map[*Subscriber]struct{}

	register   chan *Subscriber
	unregister chan *Subscriber
	stopped    chan struct{}
}

// Subscriber is one connected event consumer.
type Subscriber struct {
	topics []string
	send   chan Message
}

// NewSubscriber creates a subscriber for the given topics. The caller owns
// draining C until it is closed.
func NewSubscriber(topics []string) *Subscriber {
	return &Subscriber{
		topics: topics,
		send:   make(chan Message, sendBufferSize),
	}
}

// C is the subscriber's message stream; closed on unregister.
func (s *Subscriber) C() <-chan Message {
	return s.send
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Subscriber]struct{}),
		topics:     make(map[string]map[*Subscriber]struct{}),
		register:   make(chan *Subscriber, 16),
		unregister: make(chan *Subscriber, 16),
		stopped:    make(chan struct{}),
	}
}

// Run is the hub event loop. Exits when done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	defer close(h.stopped)
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.clients[s] = struct{}{}
			for _, topic := range s.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Subscriber]struct{})
				}
				h.topics[topic][s] = struct{}{}
			}
			h.mu.Unlock()

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[s]; ok {
				delete(h.clients, s)
				for _, topic := range s.topics {
					delete(h.topics[topic], s)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(s.send)
			}
			h.mu.Unlock()

		case <-done:
			h.mu.Lock()
			for s := range h.clients {
				close(s.send)
			}
			h.clients = make(map[*Subscriber]struct{})
			h.topics = make(map[string]map[*Subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a subscriber with the hub.
func (h *Hub) Subscribe(s *Subscriber) {
	select {
	case h.register <- s:
	case <-h.stopped:
	}
}

// Unsubscribe removes a subscriber; its channel is closed by the Run loop.
func (h *Hub) Unsubscribe(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.stopped:
	}
}

// Publish sends msg to every subscriber of topic. Subscribers whose buffer
// is full are disconnected.
func (h *Hub) Publish(topic string, msg Message) {
	msg.Topic = topic

	h.mu.RLock()
	var targets []*Subscriber
	for s := range h.topics[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.send <- msg:
		default:
			h.Unsubscribe(s)
		}
	}
}

// ConnectedCount returns the number of connected subscribers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
