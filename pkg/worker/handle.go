package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/hutch/pkg/log"
)

// Handle represents one pet-server subprocess: its index, fixed port, and
// the running command. Only the arbiter creates and mutates handles; the
// session manager talks to the process exclusively over its socket.
type Handle struct {
	Idx  int
	Port int

	petCmd string
	logger zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// NewHandle creates a handle for worker idx listening on port. Nothing is
// spawned until Spawn is called.
func NewHandle(idx, port int, petCmd string) *Handle {
	return &Handle{
		Idx:    idx,
		Port:   port,
		petCmd: petCmd,
		logger: log.WithWorker(idx),
	}
}

// Spawn starts the subprocess as `<pet_cmd> -p <port>`. The process gets its
// own process group so Terminate can take down any children with it.
func (h *Handle) Spawn() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil && !h.exited() {
		return fmt.Errorf("worker %d already running (pid %d)", h.Idx, h.cmd.Process.Pid)
	}

	cmd := exec.Command(h.petCmd, "-p", strconv.Itoa(h.Port))
	cmd.Stdout = h.logger
	cmd.Stderr = h.logger
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// a grandchild that outlives the worker keeps the output pipes open;
	// bound the wait on them so Alive sees the exit promptly
	cmd.WaitDelay = 100 * time.Millisecond

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn worker %d on port %d: %w", h.Idx, h.Port, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	h.cmd = cmd
	h.done = done

	h.logger.Info().Int("port", h.Port).Int("pid", cmd.Process.Pid).Msg("Spawned pet-server")
	return nil
}

// PID returns the subprocess pid, or 0 when nothing is running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the subprocess is still running. Non-blocking.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd != nil && !h.exited()
}

// exited checks the wait channel without blocking. Caller holds h.mu.
func (h *Handle) exited() bool {
	if h.done == nil {
		return true
	}
	select {
	case err := <-h.done:
		// keep the result readable for a later check
		h.done <- err
		return true
	default:
		return false
	}
}

// Terminate stops the subprocess: SIGTERM to the process group, then
// SIGKILL once grace elapses. Idempotent; terminating a dead worker is not
// an error.
func (h *Handle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil || h.exited() {
		h.cmd = nil
		return nil
	}

	pid := h.cmd.Process.Pid
	// negative pid targets the process group
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		h.logger.Warn().Err(err).Msg("SIGTERM failed, escalating to SIGKILL")
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill worker %d (pid %d): %w", h.Idx, pid, err)
		}
		select {
		case <-h.done:
		case <-time.After(grace):
			return fmt.Errorf("worker %d (pid %d) did not exit after SIGKILL", h.Idx, pid)
		}
	}

	h.logger.Info().Int("pid", pid).Msg("Terminated pet-server")
	h.cmd = nil
	h.done = nil
	return nil
}

// RSSMegabytes returns the subprocess resident set size in MB.
func (h *Handle) RSSMegabytes() (float64, error) {
	pid := h.PID()
	if pid == 0 {
		return 0, fmt.Errorf("worker %d has no running process", h.Idx)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect worker %d (pid %d): %w", h.Idx, pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory info for worker %d: %w", h.Idx, err)
	}
	return float64(mem.RSS) / (1024 * 1024), nil
}

// KillByName force-kills every process with the given executable name.
// Safety sweep on arbiter startup against lingering pet-servers from a
// previous run.
func KillByName(name string) error {
	procs, err := process.Processes()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			continue
		}
		if pname == name {
			if err := p.Kill(); err != nil {
				log.Logger.Warn().Err(err).Int32("pid", p.Pid).Msg("Failed to kill lingering pet-server")
			}
		}
	}
	return nil
}
