// Package bridge coordinates the external audio-capture process. The
// coordinator launches the capture binary when one is configured, hands
// it the engine's websocket address through the environment, and keeps
// the rest of the system serving when capture is missing or crashes.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

// ServerURLEnv carries the engine's websocket URL to the capture
// process.
const ServerURLEnv = "WAVECRAFT_SERVER_URL"

// DefaultStopTimeout bounds the graceful-shutdown window before the
// capture process is killed.
const DefaultStopTimeout = 5 * time.Second

// Coordinator supervises at most one capture process. Capture failure is
// never fatal to the coordinator: a missing binary or a crash downgrades
// to a warning and the system keeps serving parameters without audio.
type Coordinator struct {
	binaryPath  string
	serverURL   string
	logger      *slog.Logger
	stopTimeout time.Duration
	extraArgs   []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	stopped bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStopTimeout overrides the graceful-shutdown window.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithArgs passes extra arguments to the capture binary.
func WithArgs(args ...string) Option {
	return func(c *Coordinator) { c.extraArgs = args }
}

// NewCoordinator creates a coordinator for the given capture binary and
// engine websocket URL. An empty binaryPath means capture is not
// configured; Start then degrades immediately.
func NewCoordinator(binaryPath, serverURL string, opts ...Option) *Coordinator {
	c := &Coordinator{
		binaryPath:  binaryPath,
		serverURL:   serverURL,
		logger:      slog.Default().With("component", "bridge"),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a capture binary is declared. This is the
// declarative check: presence of a path, not a feature flag.
func (c *Coordinator) Configured() bool { return c.binaryPath != "" }

// Running reports whether the capture process is currently alive.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Start launches the capture process when one is configured. All failure
// modes return a classified error for observability, but callers treat
// every one of them as degraded mode, never as fatal.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.Configured() {
		c.logger.Info("no capture binary configured, running without audio")
		return nil
	}

	if _, err := os.Stat(c.binaryPath); err != nil {
		c.logger.Warn("capture binary not found, continuing without audio",
			"path", c.binaryPath,
			"hint", "build the capture binary or clear the capture path to silence this warning")
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrCaptureBinaryMissing, c.binaryPath),
			"Coordinator", "Start", "locate capture binary")
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, c.extraArgs...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", ServerURLEnv, c.serverURL))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		c.logger.Warn("capture binary failed to launch, continuing without audio",
			"path", c.binaryPath, "error", err,
			"hint", "check the binary is executable for the current user")
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCaptureCrashed, err),
			"Coordinator", "Start", "launch capture binary")
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.done = done
	c.stopped = false
	c.mu.Unlock()

	c.logger.Info("capture process started",
		"path", c.binaryPath, "pid", cmd.Process.Pid, "serverURL", c.serverURL)

	go c.wait(cmd, done)
	return nil
}

// wait reaps the process and logs the exit. A crash downgrades to a
// warning; the coordinator keeps serving.
func (c *Coordinator) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	c.mu.Lock()
	intentional := c.stopped
	c.cmd = nil
	c.mu.Unlock()

	if intentional {
		c.logger.Info("capture process stopped")
		return
	}
	if err != nil {
		c.logger.Warn("capture process crashed, continuing without audio",
			"error", err,
			"hint", "restart the engine to relaunch capture, or check the capture binary's own logs")
		return
	}
	c.logger.Warn("capture process exited unexpectedly, continuing without audio")
}

// Stop asks the capture process to exit with SIGTERM, escalating to kill
// after the stop timeout. Safe to call when nothing is running.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	done := c.done
	c.stopped = true
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the reaper will log it.
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(c.stopTimeout):
		c.logger.Warn("capture process ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}
