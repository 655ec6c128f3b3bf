// Package hub bridges the daemon to the proxy host plugin. The host
// reads an event stream of notices and bundle offers and forwards
// client channel messages back.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/schaermu/resourcesyncd/internal/bundle"
	"github.com/schaermu/resourcesyncd/internal/client"
)

// ErrNoHost is returned when a bundle operation has nowhere to go
var ErrNoHost = errors.New("no host connected")

// ChannelHandler handles a message a client sent over the host channel
type ChannelHandler interface {
	Handle(ctx context.Context, clientID string, payload []byte) error
}

// Hub fans events out to connected hosts
type Hub struct {
	mu          sync.Mutex
	logger      *slog.Logger
	secret      []byte
	handler     ChannelHandler
	subscribers []*Subscriber
}

// New creates a hub authenticating hosts with secret
func New(secret string, logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		secret: []byte(secret),
	}
}

// SetHandler sets the handler for channel messages. The handler usually
// publishes through the hub itself, so it is wired after construction.
func (h *Hub) SetHandler(handler ChannelHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) channelHandler() ChannelHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// Subscribe registers s. A ready event is queued under the lock so no
// event can precede it.
func (h *Hub) Subscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers = append(h.subscribers, s)
	s.Channel <- Event{Type: EventReady, Channel: client.Channel}

	h.logger.Info("host subscribed", "total", len(h.subscribers))
}

// Unsubscribe removes s. Disconnected subscribers are also dropped on
// the next dispatch.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, existing := range h.subscribers {
		if existing == s {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of connected hosts
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// dispatch sends event to every subscriber and returns how many
// received it.
func (h *Hub) dispatch(event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.subscribers) - 1; i >= 0; i-- {
		if !trySend(h.subscribers[i], event) {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
		}
	}
	return len(h.subscribers)
}

// Broadcast sends notice to every client through all connected hosts
func (h *Hub) Broadcast(_ context.Context, notice string) {
	n := h.dispatch(Event{Type: EventNotice, Notice: notice})
	if n == 0 {
		h.logger.Warn("no host connected, notice dropped")
		return
	}
	h.logger.Debug("notice dispatched", "hosts", n)
}

// Publish offers d to clientID
func (h *Hub) Publish(_ context.Context, clientID string, d bundle.Descriptor) error {
	event := Event{Type: EventPublish, Client: clientID, Bundle: &d}
	if hash, err := d.HashBytes(); err == nil {
		event.Hash = hash
	} else {
		h.logger.Debug("publishing bundle without raw digest", "error", err)
	}
	if h.dispatch(event) == 0 {
		return ErrNoHost
	}
	return nil
}

// Revoke withdraws the bundle id from clientID
func (h *Hub) Revoke(_ context.Context, clientID string, id uuid.UUID) error {
	if h.dispatch(Event{Type: EventRevoke, Client: clientID, BundleID: id.String()}) == 0 {
		return ErrNoHost
	}
	return nil
}
