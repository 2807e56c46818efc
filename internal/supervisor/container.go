package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

const (
	containerName = "mapgen-comfyui"
	// containerPort is the port ComfyUI listens on inside the image.
	containerPort = 8188
	containerArgs = "--listen 0.0.0.0 --port 8188 --disable-auto-launch"
)

// ContainerSupervisor runs the worker as a Docker container published on
// cfg.Host:cfg.Port.
type ContainerSupervisor struct {
	client *client.Client
	cfg    config.ComfyUIConfig
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	status      Status
	containerID string
	exited      chan struct{}
	stopping    bool
	cancelWatch context.CancelFunc
}

// NewContainer connects to the Docker daemon from the environment.
func NewContainer(cfg config.ComfyUIConfig, opts Options) (*ContainerSupervisor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerSupervisor{
		client: dockerClient,
		cfg:    cfg,
		opts:   opts.withDefaults(),
		logger: slog.With("component", "supervisor", "runtime", config.RuntimeContainer),
		status: Status{
			State:    StateStopped,
			Runtime:  config.RuntimeContainer,
			Endpoint: endpoint(cfg.Host, cfg.Port),
		},
	}, nil
}

// Status returns the current worker status.
func (s *ContainerSupervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ready pings the Docker daemon.
func (s *ContainerSupervisor) Ready(ctx context.Context) error {
	_, err := s.client.Ping(ctx)
	return err
}

// Start pulls the image if needed, creates and starts the container and waits
// for the worker's health endpoint.
func (s *ContainerSupervisor) Start(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.status.Active() {
		st := s.status
		s.mu.Unlock()
		return st, nil
	}
	s.status.State = StateStarting
	s.status.Error = ""
	s.stopping = false
	s.mu.Unlock()

	if err := s.pullImageIfNeeded(ctx); err != nil {
		err = apperrors.ProcessSpawn("supervisor.pull", err)
		return s.fail(err), err
	}

	// A container left over from a previous run would hold the name.
	s.removeContainer(ctx, containerName)

	id, err := s.createContainer(ctx)
	if err != nil {
		err = apperrors.ProcessSpawn("supervisor.create", err)
		return s.fail(err), err
	}
	if err := s.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		s.removeContainer(context.WithoutCancel(ctx), id)
		err = apperrors.ProcessSpawn("supervisor.start", err)
		return s.fail(err), err
	}

	logger := s.logger.With("containerId", shortID(id))
	logger.Info("Worker container started", "image", s.cfg.Image)

	watchCtx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	s.mu.Lock()
	s.containerID = id
	s.exited = exited
	s.cancelWatch = cancel
	s.status.ContainerID = id
	s.mu.Unlock()

	go s.streamLogs(watchCtx, logger, id)
	go func() {
		code, err := s.waitForExit(watchCtx, id)
		s.onExit(id, code, err)
		close(exited)
	}()

	if err := waitReady(ctx, endpoint(s.cfg.Host, s.cfg.Port)+s.opts.HealthPath, s.opts, exited); err != nil {
		if errors.Is(err, errExitedDuringStartup) {
			err = apperrors.ProcessSpawn("supervisor.start", err)
			return s.fail(err), err
		}
		logger.Warn("Worker not ready, removing container", "error", err)
		_ = s.Stop(context.WithoutCancel(ctx))
		return s.fail(err), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != id {
		return s.status, apperrors.ProcessSpawn("supervisor.start", errExitedDuringStartup)
	}
	s.status.State = StateRunning
	s.status.StartedAt = time.Now()
	logger.Info("Worker ready", "endpoint", s.status.Endpoint)
	return s.status, nil
}

// Stop stops the container with the grace period as the daemon-side timeout,
// then removes it.
func (s *ContainerSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	id, exited := s.containerID, s.exited
	if id == "" {
		s.status.State = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("Stopping worker container", "containerId", shortID(id))
	s.removeContainer(ctx, id)

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *ContainerSupervisor) onExit(id string, code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != id {
		return
	}
	logger := s.logger.With("containerId", shortID(id), "exitCode", code)
	switch {
	case s.stopping:
		s.status.State = StateStopped
		logger.Info("Worker container stopped")
	case err != nil || code != 0:
		s.status.State = StateError
		if err == nil {
			err = fmt.Errorf("exit code %d", code)
		}
		s.status.Error = err.Error()
		logger.Error("Worker container exited unexpectedly", "error", err)
	default:
		s.status.State = StateStopped
		logger.Warn("Worker container exited")
	}
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	s.containerID = ""
	s.status.ContainerID = ""
	s.exited = nil
	s.cancelWatch = nil
}

func (s *ContainerSupervisor) fail(err error) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateError
	s.status.Error = err.Error()
	s.logger.Error("Worker start failed", "error", err)
	return s.status
}

func (s *ContainerSupervisor) createContainer(ctx context.Context) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:        s.cfg.Image,
		Env:          []string{"CLI_ARGS=" + containerArgs},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"managed-by":  "mapgen-server",
			"mapgen.role": "comfyui",
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: s.cfg.Host, HostPort: strconv.Itoa(s.cfg.Port)}},
		},
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}},
		},
	}

	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		s.logger.Warn("Container create warning", "warning", w)
	}
	return resp.ID, nil
}

func (s *ContainerSupervisor) pullImageIfNeeded(ctx context.Context) error {
	_, err := s.client.ImageInspect(ctx, s.cfg.Image)
	if err == nil {
		return nil
	}

	s.logger.Info("Pulling worker image", "image", s.cfg.Image)
	reader, err := s.client.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *ContainerSupervisor) removeContainer(ctx context.Context, id string) {
	stopTimeout := int(s.opts.StopGrace / time.Second)
	_ = s.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout})
	_ = s.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (s *ContainerSupervisor) waitForExit(ctx context.Context, id string) (int, error) {
	statusCh, errCh := s.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// streamLogs demultiplexes the container's stdout and stderr into the logger.
func (s *ContainerSupervisor) streamLogs(ctx context.Context, logger *slog.Logger, id string) {
	logs, err := s.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go pipeLines(logger, "stdout", stdoutR)
	go pipeLines(logger, "stderr", stderrR)

	_, err = stdcopy.StdCopy(stdoutW, stderrW, logs)
	if err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
}

// Close releases the Docker client.
func (s *ContainerSupervisor) Close() error {
	return s.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Supervisor = (*ContainerSupervisor)(nil)
