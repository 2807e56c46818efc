// Package supervisor owns the lifecycle of the local ComfyUI worker: start,
// readiness polling, graceful-then-forced stop and crash detection. The worker
// runs either as a child process or as a Docker container.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

// State is the supervisor-visible worker state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// Status is a snapshot of the supervised worker.
type Status struct {
	State       State     `json:"state"`
	Runtime     string    `json:"runtime"`
	Endpoint    string    `json:"endpoint"`
	PID         int       `json:"pid,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Active reports whether the worker is starting or running.
func (s Status) Active() bool {
	return s.State == StateStarting || s.State == StateRunning
}

// Supervisor starts and stops one local worker instance.
//
// Start blocks until the worker answers its health endpoint. Calling Start
// while a worker is starting or running returns the current status without
// spawning another one. A nil error from Start does not imply the worker is
// still alive later; callers re-query Status.
type Supervisor interface {
	Start(ctx context.Context) (Status, error)
	Stop(ctx context.Context) error
	Status() Status
}

// Options tunes readiness and shutdown timing.
type Options struct {
	ReadyTimeout  time.Duration // default 60s
	ReadyInterval time.Duration // default 2s
	StopGrace     time.Duration // default 5s
	HealthPath    string        // default /system_stats
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 2 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.HealthPath == "" {
		o.HealthPath = "/system_stats"
	}
	return o
}

// New returns the supervisor matching cfg.Runtime.
func New(cfg config.ComfyUIConfig, opts Options) (Supervisor, error) {
	switch cfg.Runtime {
	case "", config.RuntimeProcess:
		return NewProcess(cfg, opts), nil
	case config.RuntimeContainer:
		return NewContainer(cfg, opts)
	default:
		return nil, apperrors.Validation("COMFYUI_RUNTIME", fmt.Sprintf("unknown runtime %q", cfg.Runtime))
	}
}

func endpoint(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// waitReady polls url until it answers 2xx, the timeout elapses, ctx is done
// or exited is closed.
func waitReady(ctx context.Context, url string, opts Options, exited <-chan struct{}) error {
	client := &http.Client{Timeout: opts.ReadyInterval}
	deadline := time.NewTimer(opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.ReadyInterval)
	defer ticker.Stop()

	for {
		if probeOnce(ctx, client, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errExitedDuringStartup
		case <-deadline.C:
			return apperrors.StartupTimeout("supervisor.start", opts.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

var errExitedDuringStartup = errors.New("worker exited before becoming ready")

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
