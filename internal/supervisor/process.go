package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

// ProcessSupervisor runs the worker as a child process.
type ProcessSupervisor struct {
	cfg    config.ComfyUIConfig
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	cmd      *exec.Cmd
	exited   chan struct{}
	lock     *lockFile
	stopping bool
}

// NewProcess creates a process supervisor. Nothing is spawned until Start.
func NewProcess(cfg config.ComfyUIConfig, opts Options) *ProcessSupervisor {
	return &ProcessSupervisor{
		cfg:    cfg,
		opts:   opts.withDefaults(),
		logger: slog.With("component", "supervisor", "runtime", config.RuntimeProcess),
		status: Status{
			State:    StateStopped,
			Runtime:  config.RuntimeProcess,
			Endpoint: endpoint(cfg.Host, cfg.Port),
		},
	}
}

// Status returns the current worker status.
func (s *ProcessSupervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ProcessSupervisor) args() []string {
	args := make([]string, 0, len(s.cfg.Args)+5)
	args = append(args, s.cfg.Args...)
	return append(args,
		"--listen", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
		"--disable-auto-launch",
	)
}

// Start spawns the worker and waits for its health endpoint.
func (s *ProcessSupervisor) Start(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.status.Active() {
		st := s.status
		s.mu.Unlock()
		return st, nil
	}
	s.status.State = StateStarting
	s.status.Error = ""
	s.status.PID = 0
	s.stopping = false
	s.mu.Unlock()

	lock, err := acquireLock(s.cfg.LockFile)
	if err != nil {
		return s.fail(err), err
	}

	cmd := exec.Command(s.cfg.Executable, s.args()...)
	cmd.Dir = s.cfg.WorkDir
	cmd.WaitDelay = s.opts.StopGrace
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		lock.release()
		err = apperrors.ProcessSpawn("supervisor.start", err)
		return s.fail(err), err
	}

	logger := s.logger.With("pid", cmd.Process.Pid)
	logger.Info("Worker process spawned", "executable", s.cfg.Executable, "args", s.args())

	go pipeLines(logger, "stdout", stdout)
	go pipeLines(logger, "stderr", stderr)

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.lock = lock
	s.status.PID = cmd.Process.Pid
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		s.onExit(cmd, err)
		close(exited)
	}()

	if err := waitReady(ctx, endpoint(s.cfg.Host, s.cfg.Port)+s.opts.HealthPath, s.opts, exited); err != nil {
		if errors.Is(err, errExitedDuringStartup) {
			err = apperrors.ProcessSpawn("supervisor.start", err)
			return s.fail(err), err
		}
		logger.Warn("Worker not ready, killing", "error", err)
		s.kill(cmd, exited)
		return s.fail(err), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != cmd {
		// Exited or stopped while we were probing.
		return s.status, apperrors.ProcessSpawn("supervisor.start", errExitedDuringStartup)
	}
	s.status.State = StateRunning
	s.status.StartedAt = time.Now()
	logger.Info("Worker ready", "endpoint", s.status.Endpoint)
	return s.status, nil
}

// Stop sends SIGTERM, waits the grace period, then kills the process.
func (s *ProcessSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	if cmd == nil {
		s.status.State = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	logger := s.logger.With("pid", cmd.Process.Pid)
	logger.Info("Stopping worker")

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed", "error", err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.opts.StopGrace):
		logger.Warn("Worker did not exit after SIGTERM, killing", "grace", s.opts.StopGrace)
	case <-ctx.Done():
		logger.Warn("Stop cancelled, killing worker")
	}
	s.kill(cmd, exited)
	return nil
}

func (s *ProcessSupervisor) kill(cmd *exec.Cmd, exited <-chan struct{}) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	_ = cmd.Process.Kill()
	<-exited
}

// onExit records how the process ended and releases the lock.
func (s *ProcessSupervisor) onExit(cmd *exec.Cmd, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != cmd && s.cmd != nil {
		return
	}

	logger := s.logger.With("pid", cmd.Process.Pid)
	switch {
	case s.stopping:
		s.status.State = StateStopped
		logger.Info("Worker stopped")
	case err != nil:
		s.status.State = StateError
		s.status.Error = err.Error()
		logger.Error("Worker exited unexpectedly", "error", err)
	default:
		s.status.State = StateStopped
		logger.Warn("Worker exited")
	}
	s.status.PID = 0
	s.cmd = nil
	s.exited = nil
	s.lock.release()
	s.lock = nil
}

func (s *ProcessSupervisor) fail(err error) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateError
	s.status.Error = err.Error()
	s.logger.Error("Worker start failed", "error", err)
	return s.status
}

// pipeLines logs r line by line until EOF.
func pipeLines(logger *slog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Info(line, "stream", stream)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug(fmt.Sprintf("%s stream ended", stream), "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

var _ Supervisor = (*ProcessSupervisor)(nil)
