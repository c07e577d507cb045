// Package process supervises the auxiliary OS processes a run owns: the
// server under test and the per-connector mock servers. Handles are
// started before any workflow begins and are always stopped at run end,
// whatever happened in between.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Handle owns one spawned process. Stop is idempotent and never fails on a
// process that already exited.
type Handle struct {
	Name string // display name, e.g. "server-under-test" or "mock:stripe"

	cmd    *exec.Cmd
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	waited  chan struct{}
	waitErr error
}

// Start spawns command with args and env appended to the parent
// environment. The child's stdout/stderr go to the parent's stderr so
// harness output and process output stay interleaved in CI logs.
func Start(name, command string, args, env []string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s (%s): %w", name, command, err)
	}

	h := &Handle{
		Name:   name,
		cmd:    cmd,
		logger: logger,
		waited: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waited)
	}()

	logger.Info("process started", slog.String("name", name), slog.Int("pid", cmd.Process.Pid))
	return h, nil
}

// Pid returns the process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited reports whether the process has already terminated on its own.
func (h *Handle) Exited() bool {
	select {
	case <-h.waited:
		return true
	default:
		return false
	}
}

// Stop terminates the process and reaps it. Calling Stop twice, or after
// the process exited on its own, has the same observable effect as calling
// it once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	err := h.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop %s: %w", h.Name, err)
	}
	<-h.waited

	h.logger.Info("process stopped", slog.String("name", h.Name))
	return nil
}
