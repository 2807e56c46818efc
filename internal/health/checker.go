// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
)

// ReadinessChecker is one dependency that must be usable before the
// service takes work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready calls f.
func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

// ErrDegraded marks a check that passes with reduced capacity. A degraded
// check keeps the service ready.
var ErrDegraded = errors.New("degraded")

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks  map[string]ReadinessChecker
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over the named readiness checks. A checker
// with no checks is never ready.
func NewChecker(checks map[string]ReadinessChecker) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive. It never touches providers.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness runs every check. Results are cached for a second so probes
// do not hammer the providers.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(c.checks)),
	}
	if len(c.checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["providers"] = CheckResult{Status: StatusUnhealthy, Message: "no readiness checks configured"}
	}

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result := c.run(ctx, c.checks[name])
		response.Checks[name] = result
		switch {
		case result.Status == StatusUnhealthy:
			response.Status = StatusUnhealthy
		case result.Status == StatusDegraded && response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check ReadinessChecker) CheckResult {
	if check == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := check.Ready(ctx)
	switch {
	case err == nil:
		return CheckResult{Status: StatusHealthy}
	case errors.Is(err, ErrDegraded):
		return CheckResult{Status: StatusDegraded, Message: err.Error()}
	default:
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether the service should receive traffic.
func (r *Response) IsReady() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

// ProviderLister exposes the registry's view of provider health.
type ProviderLister interface {
	Statuses() []provider.Status
	ActiveName() string
}

// Providers is ready when some provider is selected. With none available
// but a supervised local worker configured, the service is degraded: the
// first job starts the worker.
func Providers(reg ProviderLister) ReadinessChecker {
	return ReadinessFunc(func(context.Context) error {
		if reg == nil {
			return errors.New("provider registry not configured")
		}
		if reg.ActiveName() != "" {
			return nil
		}
		for _, st := range reg.Statuses() {
			if st.Supervised {
				return degraded("no provider available, local worker starts on demand")
			}
		}
		return errors.New("no image provider available")
	})
}

type degradedError string

func (e degradedError) Error() string { return string(e) }
func (e degradedError) Is(target error) bool {
	return target == ErrDegraded
}

func degraded(msg string) error { return degradedError(msg) }
