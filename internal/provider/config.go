package provider

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

// File is the on-disk provider list (MAPGEN_PROVIDERS_FILE).
type File struct {
	Providers []FileEntry `yaml:"providers"`
}

// FileEntry is one provider in the YAML file.
type FileEntry struct {
	Name     string `yaml:"name"`
	Mode     Mode   `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`

	// CredentialEnv names an environment variable holding the credential so
	// secrets stay out of the file. Credential is used when it is empty.
	CredentialEnv string `yaml:"credential_env"`
	Credential    string `yaml:"credential"`

	Priority      int           `yaml:"priority"`
	Enabled       *bool         `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`

	Local *struct {
		Supervised bool `yaml:"supervised"`
		AutoStart  bool `yaml:"auto_start"`
	} `yaml:"local"`
	Serverless *struct {
		EndpointID string `yaml:"endpoint_id"`
	} `yaml:"serverless"`
}

// LoadFile reads and validates a provider file.
func LoadFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes a provider file. Entries default to enabled.
func ParseFile(data []byte) ([]Provider, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider file: %w", err)
	}

	providers := make([]Provider, 0, len(f.Providers))
	for i, e := range f.Providers {
		p := Provider{
			Name:          e.Name,
			Mode:          e.Mode,
			Endpoint:      e.Endpoint,
			Credential:    e.Credential,
			Priority:      e.Priority,
			Enabled:       e.Enabled == nil || *e.Enabled,
			Timeout:       e.Timeout,
			RetryAttempts: e.RetryAttempts,
		}
		if e.CredentialEnv != "" {
			if v := os.Getenv(e.CredentialEnv); v != "" {
				p.Credential = v
			}
		}

		switch e.Mode {
		case ModeLocal:
			p.Local = &LocalOptions{}
			if e.Local != nil {
				p.Local.Supervised = e.Local.Supervised
				p.Local.AutoStart = e.Local.AutoStart
			}
		case ModeRemote:
			p.Remote = &RemoteOptions{}
		case ModeServerless:
			p.Serverless = &ServerlessOptions{}
			if e.Serverless != nil {
				p.Serverless.EndpointID = e.Serverless.EndpointID
			}
		}

		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("provider #%d: %w", i+1, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// FromConfig derives providers from environment configuration: the local
// worker (or a remote ComfyUI when COMFYUI_REMOTE_URL is set) and, when
// credentials exist, a serverless endpoint as lower-priority fallback.
func FromConfig(cfg *config.ServiceConfig) []Provider {
	var providers []Provider

	if cfg.ComfyUI.RemoteURL != "" {
		providers = append(providers, Provider{
			Name:          "comfyui-remote",
			Mode:          ModeRemote,
			Endpoint:      cfg.ComfyUI.RemoteURL,
			Priority:      100,
			Enabled:       true,
			RetryAttempts: 2,
			Remote:        &RemoteOptions{},
		})
	} else {
		providers = append(providers, Provider{
			Name:          "comfyui-local",
			Mode:          ModeLocal,
			Endpoint:      "http://" + cfg.ComfyUI.Host + ":" + strconv.Itoa(cfg.ComfyUI.Port),
			Priority:      100,
			Enabled:       true,
			RetryAttempts: 2,
			Local:         &LocalOptions{Supervised: true, AutoStart: cfg.ComfyUI.AutoStart},
		})
	}

	if cfg.RunPod.EndpointID != "" && cfg.RunPod.APIKey != "" {
		providers = append(providers, Provider{
			Name:          "runpod",
			Mode:          ModeServerless,
			Endpoint:      cfg.RunPod.BaseURL,
			Credential:    cfg.RunPod.APIKey,
			Priority:      50,
			Enabled:       true,
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			Serverless:    &ServerlessOptions{EndpointID: cfg.RunPod.EndpointID},
		})
	}
	return providers
}

// Load returns providers from MAPGEN_PROVIDERS_FILE when set, otherwise from
// the environment.
func Load(cfg *config.ServiceConfig) ([]Provider, error) {
	if cfg.ProvidersFile != "" {
		return LoadFile(cfg.ProvidersFile)
	}
	return FromConfig(cfg), nil
}
