// Package client handles load and unload requests sent by connected
// clients over the host's message channel.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/schaermu/resourcesyncd/internal/bundle"
	rsync "github.com/schaermu/resourcesyncd/internal/sync"
)

// Channel is the message channel identifier the host registers
const Channel = "velocityresourcesync:main"

// Request kinds understood by the handler
const (
	KindLoad   = "load"
	KindUnload = "unload"
)

// BundlePublisher offers and revokes bundles on a client
type BundlePublisher interface {
	Publish(ctx context.Context, clientID string, d bundle.Descriptor) error
	Revoke(ctx context.Context, clientID string, id uuid.UUID) error
}

// Handler reacts to client requests using the shared state
type Handler struct {
	state     *rsync.State
	publisher BundlePublisher
	logger    *slog.Logger
}

// NewHandler creates a new client message handler
func NewHandler(state *rsync.State, publisher BundlePublisher, logger *slog.Logger) *Handler {
	return &Handler{
		state:     state,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle processes a single request from clientID. Unknown kinds are
// ignored.
func (h *Handler) Handle(ctx context.Context, clientID string, payload []byte) error {
	kind := strings.ToLower(DecodeKind(payload))

	switch kind {
	case KindLoad:
		d := h.state.Descriptor()
		if d.Version == "" {
			h.logger.Warn("no content version yet, not offering bundle", "client", clientID)
			return nil
		}
		h.logger.Info("loading bundle", "client", clientID, "version", d.Version)
		if err := h.publisher.Publish(ctx, clientID, d); err != nil {
			return fmt.Errorf("failed to publish bundle to %s: %w", clientID, err)
		}
		return nil

	case KindUnload:
		h.logger.Info("unloading bundle", "client", clientID)
		if err := h.publisher.Revoke(ctx, clientID, h.state.BundleID); err != nil {
			return fmt.Errorf("failed to revoke bundle from %s: %w", clientID, err)
		}
		return nil

	default:
		h.logger.Debug("ignoring client request", "client", clientID, "kind", kind)
		return nil
	}
}

// DecodeKind extracts the request kind from a channel payload. Payloads
// framed as a two-byte big-endian length followed by the string (Java
// DataOutput.writeUTF) are unwrapped; anything else is read as plain
// UTF-8.
func DecodeKind(payload []byte) string {
	if len(payload) >= 2 {
		n := int(binary.BigEndian.Uint16(payload[:2]))
		if n == len(payload)-2 && utf8.Valid(payload[2:]) {
			return string(payload[2:])
		}
	}
	return strings.TrimSpace(string(payload))
}

// EncodeKind frames kind the way DecodeKind unwraps it
func EncodeKind(kind string) []byte {
	b := make([]byte, 2, 2+len(kind))
	binary.BigEndian.PutUint16(b, uint16(len(kind)))
	return append(b, kind...)
}
