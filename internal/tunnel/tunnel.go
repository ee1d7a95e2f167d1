// Package tunnel owns an optional cloudflared quick-tunnel process that
// exposes the local listener on a public trycloudflare.com URL.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

const (
	DefaultBinary       = "cloudflared"
	DefaultStartTimeout = 30 * time.Second

	stopGrace = 5 * time.Second
)

var (
	// ErrNotInstalled is returned when the tunnel binary is not on PATH.
	ErrNotInstalled = errors.New("cloudflared not found on PATH (see https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/)")
	// ErrNoURL is returned when the process never announced a public URL.
	ErrNoURL = errors.New("tunnel did not report a public URL")

	urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9_.-]+\.trycloudflare\.com`)
)

// Manager starts and stops a single tunnel process.
type Manager struct {
	binary  string
	port    int
	timeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	url  string
	done chan struct{}
}

// New returns a manager forwarding the public URL to localhost:port.
func New(binary string, port int, timeout time.Duration) *Manager {
	if binary == "" {
		binary = DefaultBinary
	}
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	return &Manager{binary: binary, port: port, timeout: timeout}
}

// Start launches the process and waits for it to announce its public URL.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return m.url, nil
	}

	path, err := exec.LookPath(m.binary)
	if err != nil {
		return "", ErrNotInstalled
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(path, "tunnel", "--url", fmt.Sprintf("http://localhost:%d", m.port))
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return "", fmt.Errorf("start tunnel: %w", err)
	}

	found := make(chan string, 1)
	done := make(chan struct{})
	go scan(pr, found)
	go func() {
		err := cmd.Wait()
		pw.Close()
		if err != nil {
			slog.Debug("tunnel process exited", "error", err)
		}
		close(done)
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case url := <-found:
		m.cmd, m.url, m.done = cmd, url, done
		slog.Info("tunnel started", "url", url, "pid", cmd.Process.Pid)
		return url, nil
	case <-done:
		return "", fmt.Errorf("tunnel exited before reporting a URL: %w", ErrNoURL)
	case <-timer.C:
		cmd.Process.Kill()
		<-done
		return "", fmt.Errorf("waited %s: %w", m.timeout, ErrNoURL)
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return "", ctx.Err()
	}
}

// scan forwards process output to the debug log and reports the first URL.
func scan(r io.Reader, found chan<- string) {
	s := bufio.NewScanner(r)
	reported := false
	for s.Scan() {
		line := s.Text()
		slog.Debug("cloudflared", "line", line)
		if reported {
			continue
		}
		if url := urlPattern.FindString(line); url != "" {
			found <- url
			reported = true
		}
	}
}

// URL is the public address, empty until Start succeeds.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Stop interrupts the process, killing it if it outlives the grace period.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.cmd, m.url, m.done = nil, "", nil
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		cmd.Process.Kill()
		<-done
	}
	slog.Info("tunnel stopped")
	return nil
}
