package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/schaermu/resourcesyncd/internal/config"
	rsync "github.com/schaermu/resourcesyncd/internal/sync"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Hub-Signature-256"

// maxBodyBytes limits the accepted notification size
const maxBodyBytes = 1 << 20

// Broadcaster delivers a notice to every connected client
type Broadcaster interface {
	Broadcast(ctx context.Context, notice string)
}

// Options selects the listen address and the payload protocol variant
type Options struct {
	ListenAddr  string
	EventSource config.EventSource
	Payload     config.PayloadLayout
}

// Server implements the webhook HTTP server
type Server struct {
	state       *rsync.State
	source      rsync.VersionSource
	broadcaster Broadcaster
	events      EventSource
	layout      PayloadLayout
	logger      *slog.Logger
	secret      []byte
	listenAddr  string
	mux         *http.ServeMux

	// lifetime bounds work started by a notification. It ends at
	// shutdown, never when the sender disconnects.
	lifetime context.Context
}

// NewServer creates a new webhook server
func NewServer(state *rsync.State, source rsync.VersionSource, broadcaster Broadcaster, opts Options, logger *slog.Logger) (*Server, error) {
	events, err := NewEventSource(opts.EventSource)
	if err != nil {
		return nil, err
	}
	layout, err := NewPayloadLayout(opts.Payload)
	if err != nil {
		return nil, err
	}
	if state.Credentials.Secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}

	s := &Server{
		state:       state,
		source:      source,
		broadcaster: broadcaster,
		events:      events,
		layout:      layout,
		logger:      logger,
		secret:      []byte(state.Credentials.Secret),
		listenAddr:  opts.ListenAddr,
		mux:         http.NewServeMux(),
		lifetime:    context.Background(),
	}

	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/healthz", s.handleHealth)

	return s, nil
}

// Handle registers an additional handler on the server's mux
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled. When ln is nil the server
// listens on the configured address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.listenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
		}
	}

	s.lifetime = ctx

	// No WriteTimeout: a request may wait on git and the hash command.
	server := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting",
			"addr", ln.Addr().String(),
			"repository", s.state.Target.Repository,
			"branch", s.state.Target.Branch)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook authenticates, filters and applies a push notification
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("rejecting oversized request body", "limit", tooLarge.Limit)
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Bad Request: failed to read body", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if len(body) == 0 {
		http.Error(w, "Bad Request: empty payload", http.StatusBadRequest)
		return
	}

	// Anything that goes wrong past this point without a dedicated
	// status fails closed.
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("webhook handler panicked", "panic", p)
			http.Error(w, fmt.Sprintf("Unauthorized: %v", p), http.StatusForbidden)
		}
	}()

	eventKind, err := s.events.EventKind(r, body)
	if err != nil {
		s.logger.Warn("failed to read event kind", "error", err)
		http.Error(w, "Bad Request: JSON syntax error", http.StatusBadRequest)
		return
	}
	if eventKind != eventPush {
		s.logger.Info("ignoring event", "event", eventKind)
		http.Error(w, "Only push event", http.StatusPreconditionFailed)
		return
	}

	if err := s.verifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		s.logger.Warn("rejecting request with invalid signature", "error", err)
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusForbidden)
		return
	}

	event, err := s.layout.Parse(body)
	if err != nil {
		s.logger.Warn("failed to parse webhook payload", "error", err)
		http.Error(w, "Bad Request: JSON syntax error", http.StatusBadRequest)
		return
	}

	target := s.state.Target
	if event.Repository != target.Repository {
		s.logger.Info("ignoring repository", "repository", event.Repository)
		http.Error(w, "Only repo "+target.Repository, http.StatusPreconditionFailed)
		return
	}
	if event.Ref != target.Ref() {
		s.logger.Info("ignoring ref", "ref", event.Ref)
		http.Error(w, "Only branch "+target.Branch, http.StatusPreconditionFailed)
		return
	}

	ctx, cancel := s.detach(r)
	defer cancel()

	status, msg, err := s.apply(ctx, event)
	if err != nil {
		s.logger.Error("failed to apply push notification", "error", err)
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusForbidden)
		return
	}
	if status != http.StatusOK {
		http.Error(w, msg, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"success": msg})
}

// detach returns a context for applying a notification. It keeps the
// request's values but not its cancellation, so git and the hash command
// run to completion after the sender hangs up. Only shutdown cancels it.
func (s *Server) detach(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// apply obtains the new version and swaps it in. Only the request that
// performs the swap broadcasts.
func (s *Server) apply(ctx context.Context, event *PushEvent) (int, string, error) {
	next, err := s.source.Next(ctx, event.Hash)
	if err != nil {
		return 0, "", err
	}

	notice, err := s.state.Notice(next)
	if err != nil {
		return 0, "", err
	}

	prev, swapped := s.state.CompareAndSwap(next)
	if !swapped {
		s.logger.Info("no new content", "version", next)
		return http.StatusNotAcceptable, "No new content", nil
	}

	s.logger.Info("content version updated", "from", prev, "to", next)
	s.broadcaster.Broadcast(ctx, notice)
	return http.StatusOK, "Updated", nil
}

// handleHealth reports liveness and the current content version
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.state.Version(),
	})
}

// verifySignature checks the GitHub-style signature header against body
func (s *Server) verifySignature(body []byte, signature string) error {
	return VerifySignature(s.secret, body, signature)
}

// VerifySignature checks that signature is "sha256=" followed by the
// lowercase hex HMAC-SHA256 of body under secret.
func VerifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("%s header is missing", SignatureHeader)
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("%s header is malformed", SignatureHeader)
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("request signatures didn't match")
	}
	return nil
}

// Sign returns the signature header value for body under secret
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
