//go:build integration

package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/resourcesyncd/internal/testutil"
	"github.com/schaermu/resourcesyncd/internal/webhook"
)

const defaultTimeout = 3 * time.Minute

// Harness builds the daemon binary and drives a running instance
type Harness struct {
	t       *testing.T
	workDir string
	binary  string
	secret  string
	baseURL string
	cmd     *exec.Cmd
	exited  chan struct{}
}

// NewHarness creates a new test harness working in a temp directory
func NewHarness(t *testing.T, secret string) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		workDir: t.TempDir(),
		secret:  secret,
	}
}

// WorkDir returns the harness scratch directory
func (h *Harness) WorkDir() string {
	return h.workDir
}

// BuildBinary compiles the daemon into the work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "resourcesyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/resourcesyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Exec runs a command and returns its combined output and exit code
func (h *Harness) Exec(ctx context.Context, dir string, cmd ...string) (string, int, error) {
	h.t.Helper()
	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	execCmd.Dir = dir

	var out bytes.Buffer
	execCmd.Stdout = &out
	execCmd.Stderr = &out

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}
	return out.String(), exitCode, nil
}

// MustExec runs a command and fails the test on non-zero exit
func (h *Harness) MustExec(ctx context.Context, dir string, cmd ...string) string {
	h.t.Helper()
	out, exitCode, err := h.Exec(ctx, dir, cmd...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\noutput: %s\ncmd: %v", exitCode, out, cmd)
	}
	return strings.TrimSpace(out)
}

// WriteFile writes content to path, creating parent directories
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// Start runs "serve" with the given config and waits until /healthz
// answers.
func (h *Harness) Start(ctx context.Context, configPath, addr string) error {
	h.t.Helper()
	if h.binary == "" {
		return fmt.Errorf("binary not built")
	}

	h.cmd = exec.Command(h.binary, "serve", "--config", configPath, "--log-level", "debug")
	h.cmd.Stdout = &testWriter{t: h.t, prefix: "[daemon] "}
	h.cmd.Stderr = &testWriter{t: h.t, prefix: "[daemon] "}
	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	h.exited = make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(h.exited)
	}()

	h.baseURL = "http://" + addr
	return h.waitHealthy(ctx)
}

// Stop sends SIGINT and waits for the daemon to exit
func (h *Harness) Stop() {
	h.t.Helper()
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}

	_ = h.cmd.Process.Signal(os.Interrupt)
	select {
	case <-h.exited:
	case <-time.After(10 * time.Second):
		h.t.Logf("Warning: daemon did not exit, killing it")
		_ = h.cmd.Process.Kill()
		<-h.exited
	}
}

func (h *Harness) waitHealthy(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.exited:
			return fmt.Errorf("daemon exited before becoming healthy")
		case <-ticker.C:
			if _, err := h.Health(); err == nil {
				return nil
			}
		}
	}
}

// Health returns the version reported by /healthz
func (h *Harness) Health() (string, error) {
	resp, err := http.Get(h.baseURL + "/healthz")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("healthz returned %d", resp.StatusCode)
	}

	var health struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", err
	}
	return health.Version, nil
}

// PostWebhook sends a signed push notification and returns the status
// code and body.
func (h *Harness) PostWebhook(body string) (int, string) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.baseURL+"/webhook", strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set(webhook.EventHeader, "push")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(h.secret), []byte(body)))
	return h.do(req)
}

// PostChannel forwards a client message the way the host does
func (h *Harness) PostChannel(client, payload string) (int, string) {
	h.t.Helper()
	body, err := json.Marshal(map[string]string{"client": client, "payload": payload})
	if err != nil {
		h.t.Fatalf("marshal channel message: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.baseURL+"/channel", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(h.secret), body))
	return h.do(req)
}

func (h *Harness) do(req *http.Request) (int, string) {
	h.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(b))
}

// EventStream is an open /events connection
type EventStream struct {
	t       *testing.T
	resp    *http.Response
	scanner *bufio.Scanner
}

// OpenEvents subscribes to the host event stream
func (h *Harness) OpenEvents(ctx context.Context) *EventStream {
	h.t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/events", nil)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("open events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		h.t.Fatalf("open events returned %d", resp.StatusCode)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })

	return &EventStream{t: h.t, resp: resp, scanner: bufio.NewScanner(resp.Body)}
}

// Next reads the next event as a generic map
func (s *EventStream) Next() map[string]any {
	s.t.Helper()
	if !s.scanner.Scan() {
		s.t.Fatalf("event stream ended: %v", s.scanner.Err())
	}
	var event map[string]any
	if err := json.Unmarshal(s.scanner.Bytes(), &event); err != nil {
		s.t.Fatalf("decode event %q: %v", s.scanner.Text(), err)
	}
	return event
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
