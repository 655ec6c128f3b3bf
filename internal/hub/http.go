package hub

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/schaermu/resourcesyncd/internal/webhook"
)

// maxChannelBytes limits the size of a forwarded channel message
const maxChannelBytes = 64 << 10

// Mux is satisfied by http.ServeMux and webhook.Server
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// ChannelMessage is a client message forwarded by the host
type ChannelMessage struct {
	Client  string `json:"client"`
	Payload string `json:"payload"`
}

// Mount registers the hub endpoints on mux
func (h *Hub) Mount(mux Mux) {
	mux.Handle("/events", http.HandlerFunc(h.handleEvents))
	mux.Handle("/channel", http.HandlerFunc(h.handleChannel))
}

// authorized checks the bearer token against the shared secret
func (h *Hub) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(token), h.secret)
}

// handleEvents streams events as newline-delimited JSON until the host
// disconnects.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		h.logger.Warn("rejecting unauthorized event stream", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub := NewSubscriber(ctx.Done())
	h.Subscribe(sub)
	defer h.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("host disconnected")
			return
		case event := <-sub.Channel:
			if sub.Resync.Swap(false) {
				drain(sub.Channel)
				event = Event{Type: EventResync}
				h.logger.Warn("host fell behind, requesting resync")
			}
			if err := enc.Encode(event); err != nil {
				h.logger.Warn("failed to write event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func drain(ch chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// handleChannel dispatches a signed client message to the handler
func (h *Hub) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChannelBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request: failed to read body", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if err := webhook.VerifySignature(h.secret, body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		h.logger.Warn("rejecting channel message with invalid signature", "error", err)
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusForbidden)
		return
	}

	var msg ChannelMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Bad Request: JSON syntax error", http.StatusBadRequest)
		return
	}
	if msg.Client == "" {
		http.Error(w, "Bad Request: client is required", http.StatusBadRequest)
		return
	}

	handler := h.channelHandler()
	if handler == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := handler.Handle(r.Context(), msg.Client, []byte(msg.Payload)); err != nil {
		h.logger.Error("failed to handle channel message", "client", msg.Client, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoHost) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
