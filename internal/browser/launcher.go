// Package browser starts a local Chromium with remote debugging enabled
// when no browser is listening on the configured CDP endpoint.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const (
	defaultReadyTimeout = 15 * time.Second
	pollInterval        = 250 * time.Millisecond
	stopTimeout         = 5 * time.Second
)

var ErrNoBrowser = errors.New("no supported browser found")

// Config describes the browser to launch.
type Config struct {
	CDPAddress   string
	CDPPort      int
	Binary       string
	ProfileDir   string
	StartURL     string
	Headless     bool
	ReadyTimeout time.Duration
}

// Launcher owns a browser process it started. A launcher that found an
// existing endpoint owns nothing and Stop is a no-op.
type Launcher struct {
	cfg      Config
	cmd      *exec.Cmd
	lookPath func(string) (string, error)
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	return &Launcher{cfg: cfg, lookPath: exec.LookPath}
}

func (l *Launcher) endpoint() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// Launch starts the browser unless the debugging endpoint already answers,
// then waits until /json/version responds.
func (l *Launcher) Launch(ctx context.Context) error {
	if endpointUp(l.endpoint()) {
		slog.Info("browser already listening, skipping launch", "endpoint", l.endpoint())
		return nil
	}

	path, err := l.findBinary()
	if err != nil {
		return err
	}
	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	cmd := exec.Command(path, l.args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.cmd = cmd
	slog.Info("browser process started", "path", path, "pid", cmd.Process.Pid)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("wait for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "endpoint", l.endpoint())
	return nil
}

func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
	}
	if l.cfg.ProfileDir != "" {
		args = append(args, "--user-data-dir="+l.cfg.ProfileDir)
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	return append(args, l.cfg.StartURL)
}

func (l *Launcher) findBinary() (string, error) {
	if l.cfg.Binary != "" {
		return l.lookPath(l.cfg.Binary)
	}
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"} {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", ErrNoBrowser
}

func (l *Launcher) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()

	url := "http://" + l.endpoint() + "/json/version"
	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready: %w", url, ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Owned reports whether this launcher started the running browser.
func (l *Launcher) Owned() bool {
	return l.cmd != nil
}

// Stop terminates a browser this launcher started, escalating to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	pid := l.cmd.Process.Pid
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("browser stopped", "pid", pid)
	case <-time.After(stopTimeout):
		slog.Warn("browser did not exit, killing", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}

func endpointUp(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
