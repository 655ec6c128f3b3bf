package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/resourcesyncd/internal/bundle"
	"github.com/schaermu/resourcesyncd/internal/client"
	"github.com/schaermu/resourcesyncd/internal/config"
	rsync "github.com/schaermu/resourcesyncd/internal/sync"
	"github.com/schaermu/resourcesyncd/internal/webhook"
)

const testSecret = "s3cr3t"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestState(t *testing.T, version string) *rsync.State {
	t.Helper()
	state, err := rsync.NewState(
		rsync.Target{Repository: "alice/assets", Branch: "main"},
		rsync.Credentials{Port: 8080, Secret: testSecret},
		"updated to {{.Version}}",
		"/data/assets",
		bundle.StableID("VelocityResourceSync"),
		version,
	)
	require.NoError(t, err)
	return state
}

// stream is an open /events connection
type stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func (s *stream) next(t *testing.T) Event {
	t.Helper()
	require.True(t, s.scanner.Scan(), "event stream ended: %v", s.scanner.Err())
	var event Event
	require.NoError(t, json.Unmarshal(s.scanner.Bytes(), &event))
	return event
}

func openStream(t *testing.T, url string) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	s := &stream{resp: resp, scanner: bufio.NewScanner(resp.Body)}
	ready := s.next(t)
	require.Equal(t, EventReady, ready.Type)
	assert.Equal(t, client.Channel, ready.Channel)
	return s
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postChannel(t *testing.T, url string, body string, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/channel", strings.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHub_BroadcastReachesStream(t *testing.T) {
	h := New(testSecret, testLogger())
	srv := newTestServer(t, h)

	s := openStream(t, srv.URL)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Broadcast(context.Background(), "updated to abc123")

	event := s.next(t)
	assert.Equal(t, EventNotice, event.Type)
	assert.Equal(t, "updated to abc123", event.Notice)
}

func TestHub_EventsRequiresBearer(t *testing.T) {
	h := New(testSecret, testLogger())
	srv := newTestServer(t, h)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong secret", header: "Bearer nope"},
		{name: "wrong scheme", header: "Basic " + testSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_EventsMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, New(testSecret, testLogger()))

	resp, err := http.Post(srv.URL+"/events", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHub_ChannelLoadPublishesCurrentVersion(t *testing.T) {
	state := newTestState(t, "old000")
	h := New(testSecret, testLogger())
	h.SetHandler(client.NewHandler(state, h, testLogger()))
	srv := newTestServer(t, h)

	s := openStream(t, srv.URL)

	_, swapped := state.CompareAndSwap("abc123")
	require.True(t, swapped)

	body := `{"client":"steve","payload":"load"}`
	resp := postChannel(t, srv.URL, body, webhook.Sign([]byte(testSecret), []byte(body)))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	event := s.next(t)
	assert.Equal(t, EventPublish, event.Type)
	assert.Equal(t, "steve", event.Client)
	require.NotNil(t, event.Bundle)
	assert.Equal(t, "abc123", event.Bundle.Version)
	assert.Equal(t, "/data/assets", event.Bundle.Dir)
	assert.Equal(t, bundle.StableID("VelocityResourceSync"), event.Bundle.ID)
	assert.Equal(t, []byte{0xab, 0xc1, 0x23}, event.Hash)
}

func TestHub_PublishNonHexVersionOmitsHash(t *testing.T) {
	h := New(testSecret, testLogger())
	srv := newTestServer(t, h)
	s := openStream(t, srv.URL)

	require.NoError(t, h.Publish(context.Background(), "steve", bundle.Descriptor{Version: "release-7"}))

	event := s.next(t)
	assert.Equal(t, EventPublish, event.Type)
	assert.Equal(t, "release-7", event.Bundle.Version)
	assert.Nil(t, event.Hash)
}

func TestHub_ChannelUnloadRevokes(t *testing.T) {
	state := newTestState(t, "abc123")
	h := New(testSecret, testLogger())
	h.SetHandler(client.NewHandler(state, h, testLogger()))
	srv := newTestServer(t, h)

	s := openStream(t, srv.URL)

	body := `{"client":"steve","payload":"UNLOAD"}`
	resp := postChannel(t, srv.URL, body, webhook.Sign([]byte(testSecret), []byte(body)))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	event := s.next(t)
	assert.Equal(t, EventRevoke, event.Type)
	assert.Equal(t, "steve", event.Client)
	assert.Equal(t, bundle.StableID("VelocityResourceSync").String(), event.BundleID)
}

func TestHub_ChannelRejects(t *testing.T) {
	h := New(testSecret, testLogger())
	h.SetHandler(client.NewHandler(newTestState(t, "abc123"), h, testLogger()))
	srv := newTestServer(t, h)

	sign := func(body string) string { return webhook.Sign([]byte(testSecret), []byte(body)) }

	tests := []struct {
		name      string
		body      string
		signature string
		want      int
	}{
		{name: "missing signature", body: `{"client":"steve","payload":"load"}`, want: http.StatusForbidden},
		{
			name:      "wrong secret",
			body:      `{"client":"steve","payload":"load"}`,
			signature: webhook.Sign([]byte("other"), []byte(`{"client":"steve","payload":"load"}`)),
			want:      http.StatusForbidden,
		},
		{name: "bad json", body: `{"client":`, signature: sign(`{"client":`), want: http.StatusBadRequest},
		{name: "missing client", body: `{"payload":"load"}`, signature: sign(`{"payload":"load"}`), want: http.StatusBadRequest},
		{
			name:      "load without host",
			body:      `{"client":"steve","payload":"load"}`,
			signature: sign(`{"client":"steve","payload":"load"}`),
			want:      http.StatusServiceUnavailable,
		},
		{
			name:      "unknown kind ignored",
			body:      `{"client":"steve","payload":"ping"}`,
			signature: sign(`{"client":"steve","payload":"ping"}`),
			want:      http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChannel(t, srv.URL, tt.body, tt.signature)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHub_ChannelBodyTooLarge(t *testing.T) {
	h := New(testSecret, testLogger())
	h.SetHandler(client.NewHandler(newTestState(t, "abc123"), h, testLogger()))
	srv := newTestServer(t, h)

	body := `{"client":"steve","payload":"` + strings.Repeat("x", maxChannelBytes) + `"}`
	resp := postChannel(t, srv.URL, body, webhook.Sign([]byte(testSecret), []byte(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHub_ChannelWithoutHandler(t *testing.T) {
	srv := newTestServer(t, New(testSecret, testLogger()))

	body := `{"client":"steve","payload":"load"}`
	resp := postChannel(t, srv.URL, body, webhook.Sign([]byte(testSecret), []byte(body)))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_PublishWithoutHost(t *testing.T) {
	h := New(testSecret, testLogger())

	err := h.Publish(context.Background(), "steve", bundle.Descriptor{Version: "abc123"})
	assert.ErrorIs(t, err, ErrNoHost)

	err = h.Revoke(context.Background(), "steve", bundle.StableID("x"))
	assert.ErrorIs(t, err, ErrNoHost)

	// Broadcast with no host only logs.
	h.Broadcast(context.Background(), "hello")
}

func TestHub_ResyncOnOverflow(t *testing.T) {
	h := New(testSecret, testLogger())
	done := make(chan struct{})
	sub := NewSubscriber(done)
	h.Subscribe(sub)

	// The ready event already occupies one slot.
	for i := 0; i < SubscriberChannelSize; i++ {
		h.Broadcast(context.Background(), "notice")
	}

	assert.True(t, sub.Resync.Load())
	assert.Len(t, sub.Channel, SubscriberChannelSize)
}

func TestHub_DisconnectedSubscriberRemoved(t *testing.T) {
	h := New(testSecret, testLogger())
	done := make(chan struct{})
	h.Subscribe(NewSubscriber(done))
	require.Equal(t, 1, h.SubscriberCount())

	close(done)
	h.Broadcast(context.Background(), "notice")

	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_StreamEndsOnDisconnect(t *testing.T) {
	h := New(testSecret, testLogger())
	srv := newTestServer(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, 1, h.SubscriberCount())

	cancel()

	assert.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_MountsOnWebhookServer(t *testing.T) {
	state := newTestState(t, "abc123")
	server, err := webhook.NewServer(state, &rsync.PayloadSource{}, New(testSecret, testLogger()),
		webhook.Options{EventSource: config.EventFromHeader, Payload: config.PayloadFlat}, testLogger())
	require.NoError(t, err)

	h := New(testSecret, testLogger())
	h.Mount(server)

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
