package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"papermill/internal/logging"
)

const subscriberBuffer = 64

// Hub is the in-memory broadcast bus used by single-node deployments and
// tests. Every channel obtained from Subscribe sees every published message.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*memoryChannel]struct{}
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		logger: logging.NewComponentLogger(logger, "pubsub"),
		subs:   make(map[*memoryChannel]struct{}),
	}
}

// Subscribe attaches a new participant to the hub.
func (h *Hub) Subscribe() Channel {
	ch := &memoryChannel{
		hub:      h,
		messages: make(chan Message, subscriberBuffer),
	}
	h.mu.Lock()
	if !h.closed {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()
	return ch
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	targets := make([]*memoryChannel, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.messages <- msg:
		default:
			// A subscriber that stopped draining loses the frame rather
			// than stalling the bus.
			h.logger.Warn("dropping broadcast for slow subscriber",
				logging.String("message_type", string(msg.Type)))
		}
	}
}

func (h *Hub) remove(ch *memoryChannel) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Close detaches every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*memoryChannel]struct{})
	h.closed = true
	h.mu.Unlock()

	for sub := range subs {
		sub.closeOnce.Do(func() { close(sub.messages) })
	}
	return nil
}

type memoryChannel struct {
	hub       *Hub
	messages  chan Message
	closeOnce sync.Once
}

func (c *memoryChannel) Publish(_ context.Context, msg Message) error {
	c.hub.broadcast(msg)
	return nil
}

func (c *memoryChannel) Messages() <-chan Message {
	return c.messages
}

func (c *memoryChannel) Close() error {
	c.hub.remove(c)
	c.closeOnce.Do(func() { close(c.messages) })
	return nil
}
