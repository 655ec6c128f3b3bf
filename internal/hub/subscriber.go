package hub

import (
	"sync/atomic"

	"github.com/schaermu/resourcesyncd/internal/bundle"
)

// SubscriberChannelSize is the buffer size for per-subscriber event
// channels. A subscriber whose channel is full misses the event and is
// marked for resync.
const SubscriberChannelSize = 64

// Event types sent to the host
const (
	EventReady   = "ready"
	EventNotice  = "notice"
	EventPublish = "publish"
	EventRevoke  = "revoke"
	EventResync  = "resync"
)

// Event is a single line of the host event stream
type Event struct {
	Type   string             `json:"type"`
	Client string             `json:"client,omitempty"`
	Notice string             `json:"notice,omitempty"`
	Bundle *bundle.Descriptor `json:"bundle,omitempty"`
	// Hash is the raw bundle digest on publish events, when the version
	// is a hex digest. It is base64 encoded on the wire.
	Hash []byte `json:"hash,omitempty"`
	// Channel is the message channel the host forwards client requests
	// from. It is set on ready events.
	Channel string `json:"channel,omitempty"`
	// BundleID is set on revoke events
	BundleID string `json:"bundle_id,omitempty"`
}

// Subscriber is a single connected event stream. The hub sends events
// on Channel; the owner writes them out and closes Done when the
// connection ends.
type Subscriber struct {
	Channel chan Event

	// Resync is set when Channel overflowed. The owner should drain
	// Channel and tell the host to resync.
	Resync atomic.Bool

	Done <-chan struct{}
}

// NewSubscriber creates a subscriber bound to done
func NewSubscriber(done <-chan struct{}) *Subscriber {
	return &Subscriber{
		Channel: make(chan Event, SubscriberChannelSize),
		Done:    done,
	}
}

// trySend attempts a non-blocking send. Returns false if the subscriber
// has disconnected.
func trySend(s *Subscriber, event Event) bool {
	select {
	case <-s.Done:
		return false
	default:
	}

	select {
	case s.Channel <- event:
	default:
		s.Resync.Store(true)
	}
	return true
}
