package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/webhooks/v6/github"

	"github.com/schaermu/resourcesyncd/internal/config"
)

// EventHeader carries the event kind for header-based senders
const EventHeader = "X-GitHub-Event"

// eventPush is the only event kind the listener acts on
const eventPush = string(github.PushEvent)

// PushEvent holds the fields of a push notification the listener acts on
type PushEvent struct {
	Repository string
	Ref        string
	// Hash is the content hash carried by the payload, if any
	Hash string
}

// EventSource extracts the event kind of a notification
type EventSource interface {
	EventKind(r *http.Request, body []byte) (string, error)
}

// PayloadLayout decodes a notification body
type PayloadLayout interface {
	Parse(body []byte) (*PushEvent, error)
}

// headerEventSource reads the event kind from EventHeader
type headerEventSource struct{}

func (headerEventSource) EventKind(r *http.Request, _ []byte) (string, error) {
	return r.Header.Get(EventHeader), nil
}

// bodyEventSource reads the event kind from the "event" JSON field
type bodyEventSource struct{}

func (bodyEventSource) EventKind(_ *http.Request, body []byte) (string, error) {
	var payload struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	return payload.Event, nil
}

// dataHash is the nested hash object some senders use
type dataHash struct {
	Hash string `json:"hash"`
}

// flatLayout carries repository as an "owner/name" string
type flatLayout struct{}

func (flatLayout) Parse(body []byte) (*PushEvent, error) {
	var payload struct {
		Repository string   `json:"repository"`
		Ref        string   `json:"ref"`
		Hash       string   `json:"hash"`
		Data       dataHash `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return &PushEvent{
		Repository: payload.Repository,
		Ref:        payload.Ref,
		Hash:       firstNonEmpty(payload.Hash, payload.Data.Hash),
	}, nil
}

// githubLayout carries the GitHub push event shape
type githubLayout struct{}

func (githubLayout) Parse(body []byte) (*PushEvent, error) {
	var push github.PushPayload
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, err
	}
	// Senders may add a content hash next to the GitHub fields
	var extra struct {
		Hash string   `json:"hash"`
		Data dataHash `json:"data"`
	}
	if err := json.Unmarshal(body, &extra); err != nil {
		return nil, err
	}
	return &PushEvent{
		Repository: push.Repository.FullName,
		Ref:        push.Ref,
		Hash:       firstNonEmpty(extra.Hash, extra.Data.Hash, push.After),
	}, nil
}

// NewEventSource returns the EventSource for the configured variant
func NewEventSource(source config.EventSource) (EventSource, error) {
	switch source {
	case config.EventFromHeader:
		return headerEventSource{}, nil
	case config.EventFromBody:
		return bodyEventSource{}, nil
	default:
		return nil, fmt.Errorf("unknown event source: %s", source)
	}
}

// NewPayloadLayout returns the PayloadLayout for the configured variant
func NewPayloadLayout(layout config.PayloadLayout) (PayloadLayout, error) {
	switch layout {
	case config.PayloadFlat:
		return flatLayout{}, nil
	case config.PayloadGitHub:
		return githubLayout{}, nil
	default:
		return nil, fmt.Errorf("unknown payload layout: %s", layout)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
