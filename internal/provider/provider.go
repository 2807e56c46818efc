// Package provider defines image generation backends and the registry that
// health-checks them and picks the active one.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
)

// Mode selects which backend protocol a provider speaks.
type Mode string

const (
	ModeLocal      Mode = "local"      // ComfyUI on this host, optionally supervised
	ModeRemote     Mode = "remote"     // ComfyUI reachable over HTTP
	ModeServerless Mode = "serverless" // RunPod-style queue API
)

// Provider is the static configuration of one backend. Exactly one of the
// variant blocks is set and it matches Mode.
type Provider struct {
	Name          string
	Mode          Mode
	Endpoint      string
	Credential    string
	Priority      int
	Enabled       bool
	Timeout       time.Duration
	RetryAttempts int

	Local      *LocalOptions
	Remote     *RemoteOptions
	Serverless *ServerlessOptions
}

// LocalOptions applies to ModeLocal providers.
type LocalOptions struct {
	Supervised bool // the worker process is owned by this server
	AutoStart  bool // start the worker on demand when no provider is available
}

// RemoteOptions applies to ModeRemote providers.
type RemoteOptions struct{}

// ServerlessOptions applies to ModeServerless providers.
type ServerlessOptions struct {
	EndpointID string
}

// Validate checks that the provider is internally consistent.
func (p Provider) Validate() error {
	if p.Name == "" {
		return apperrors.Validation("name", "provider name is required")
	}
	if p.Endpoint == "" {
		return apperrors.Validation("endpoint", fmt.Sprintf("provider %s: endpoint is required", p.Name))
	}

	variants := 0
	for _, set := range []bool{p.Local != nil, p.Remote != nil, p.Serverless != nil} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return apperrors.Validation("mode", fmt.Sprintf("provider %s: exactly one mode block must be set", p.Name))
	}

	switch p.Mode {
	case ModeLocal:
		if p.Local == nil {
			return apperrors.Validation("local", fmt.Sprintf("provider %s: local block required for mode local", p.Name))
		}
	case ModeRemote:
		if p.Remote == nil {
			return apperrors.Validation("remote", fmt.Sprintf("provider %s: remote block required for mode remote", p.Name))
		}
	case ModeServerless:
		if p.Serverless == nil || p.Serverless.EndpointID == "" {
			return apperrors.Validation("serverless.endpoint_id", fmt.Sprintf("provider %s: serverless endpoint id is required", p.Name))
		}
		if p.Credential == "" {
			return apperrors.Validation("credential", fmt.Sprintf("provider %s: serverless credential is required", p.Name))
		}
	default:
		return apperrors.Validation("mode", fmt.Sprintf("provider %s: unknown mode %q", p.Name, p.Mode))
	}
	return nil
}

// Supervised reports whether the provider's worker is managed by this process.
func (p Provider) Supervised() bool {
	return p.Mode == ModeLocal && p.Local != nil && p.Local.Supervised
}

// Health is the latest probe result for a provider.
type Health struct {
	Available    bool          `json:"available"`
	ResponseTime time.Duration `json:"responseTime"`
	LastChecked  time.Time     `json:"lastChecked"`
	DeviceInfo   string        `json:"deviceInfo,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
}

// State is a backend's view of one submitted generation.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further state changes are expected.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// JobStatus is the result of a status poll.
type JobStatus struct {
	State State
	Error string
}

// Image references a generated output. Inline outputs carry Data; the rest
// are fetched with Client.Download.
type Image struct {
	Filename  string
	Subfolder string
	Type      string
	URL       string
	Data      []byte
}

// Client is the uniform set of operations every backend implements.
type Client interface {
	Submit(ctx context.Context, req GenerationRequest) (string, error)
	Status(ctx context.Context, remoteID string) (JobStatus, error)
	Images(ctx context.Context, remoteID string) ([]Image, error)
	Download(ctx context.Context, img Image) ([]byte, error)
	Cancel(ctx context.Context, remoteID string) error
	// Probe checks backend health and returns a device description when known.
	Probe(ctx context.Context) (string, error)
}

// NewClient builds the protocol client for a provider.
func NewClient(p Provider) (Client, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Mode {
	case ModeLocal, ModeRemote:
		return NewComfyUI(p.Endpoint, p.Timeout, p.RetryAttempts), nil
	case ModeServerless:
		return NewServerless(p.Endpoint, p.Serverless.EndpointID, p.Credential, p.Timeout, p.RetryAttempts), nil
	}
	return nil, apperrors.Validation("mode", fmt.Sprintf("unknown mode %q", p.Mode))
}
