// Package activation picks up a webhook socket passed by systemd socket
// activation.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// listenFDsStart is the first fd systemd passes (after stdin, stdout, stderr)
const listenFDsStart = 3

// Sockets describes the file descriptors systemd passed to this process
type Sockets struct {
	Count int
	Names []string
}

// Index returns the fd offset of the socket called name. A single
// unnamed socket matches any name.
func (s Sockets) Index(name string) (int, error) {
	for i, n := range s.Names {
		if n == name && i < s.Count {
			return i, nil
		}
	}
	if s.Count == 1 {
		return 0, nil
	}
	return 0, fmt.Errorf("no activated socket named %q among %d", name, s.Count)
}

// Parse reads the activation variables through getenv. It reports false
// when the process was not socket activated.
func Parse(getenv func(string) string, pid int) (Sockets, bool, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return Sockets{}, false, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return Sockets{}, false, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		// Activation is meant for a different process
		return Sockets{}, false, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return Sockets{}, false, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return Sockets{}, false, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return Sockets{}, false, nil
	}

	var names []string
	if v := getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}
	return Sockets{Count: count, Names: names}, true, nil
}

// Listener returns the activated listener called name, or nil when the
// process was not socket activated. The activation variables are unset
// so spawned commands do not inherit them.
func Listener(name string, logger *slog.Logger) (net.Listener, error) {
	sockets, ok, err := Parse(os.Getenv, os.Getpid())
	if err != nil || !ok {
		return nil, err
	}

	idx, err := sockets.Index(name)
	if err != nil {
		return nil, err
	}

	ln, err := fileListener(listenFDsStart+idx, name)
	if err != nil {
		return nil, err
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	logger.Info("using socket-activated listener", "name", name, "addr", ln.Addr().String())
	return ln, nil
}

// fileListener wraps fd in a net.Listener. The listener holds its own
// duplicate, so the file is closed here.
func fileListener(fd int, name string) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
