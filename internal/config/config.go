// Package config provides configuration loading from environment variables.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Runtime values for COMFYUI_RUNTIME.
const (
	RuntimeProcess   = "process"
	RuntimeContainer = "container"
)

// ServiceConfig holds configuration for the map generation server.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	ControlAddr       string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	StorageDir       string // Local artifact directory served under /artifacts/
	StorageURL       string // Public base URL for stored artifacts
	StorageUploadURL string // When set, artifacts are relayed with a signed PUT instead of written to disk
	StorageUploadKey string // HMAC key for the upload relay

	MaxConcurrentJobs int
	JobRetention      time.Duration // How long terminal jobs stay queryable
	JobMaxAge         time.Duration // Active jobs older than this are expired
	PollTimeout       time.Duration // Overall bound for local/remote polling (0 = unbounded)
	ServerlessTimeout time.Duration

	ProvidersFile string

	ComfyUI ComfyUIConfig
	RunPod  RunPodConfig
}

// ComfyUIConfig describes the local or remote ComfyUI worker.
type ComfyUIConfig struct {
	Host       string
	Port       int
	RemoteURL  string
	AutoStart  bool
	Runtime    string // "process" or "container"
	Executable string
	Args       []string
	WorkDir    string
	Image      string
	LockFile   string
	Checkpoint string
}

// RunPodConfig describes the serverless provider.
type RunPodConfig struct {
	EndpointID string
	APIKey     string
	BaseURL    string
}

// LoadDotEnv reads .env files into the process environment. Missing files are ignored
// and variables already set in the environment win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", ".env.local"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("MAPGEN_PORT", "31415"),
		MetricsPort:       GetEnv("MAPGEN_METRICS_PORT", "9464"),
		ControlAddr:       GetEnv("MAPGEN_CONTROL_ADDR", "127.0.0.1:31414"),
		ShutdownDrainWait: GetDurationEnv("MAPGEN_SHUTDOWN_DRAIN_WAIT", 0),

		StorageDir:       GetEnv("MAPGEN_STORAGE_DIR", "./data/maps"),
		StorageURL:       GetEnv("MAPGEN_STORAGE_URL", ""),
		StorageUploadURL: GetEnv("MAPGEN_STORAGE_UPLOAD_URL", ""),
		StorageUploadKey: secret("MAPGEN_STORAGE_UPLOAD_KEY"),

		MaxConcurrentJobs: GetIntEnv("MAPGEN_MAX_CONCURRENT_JOBS", 2),
		JobRetention:      GetDurationEnv("MAPGEN_JOB_RETENTION", time.Hour),
		JobMaxAge:         GetDurationEnv("MAPGEN_JOB_MAX_AGE", 30*time.Minute),
		PollTimeout:       GetDurationEnv("MAPGEN_POLL_TIMEOUT", 0),
		ServerlessTimeout: GetDurationEnv("MAPGEN_SERVERLESS_TIMEOUT", 10*time.Minute),

		ProvidersFile: GetEnv("MAPGEN_PROVIDERS_FILE", ""),

		ComfyUI: ComfyUIConfig{
			Host:       GetEnv("COMFYUI_HOST", "127.0.0.1"),
			Port:       GetIntEnv("COMFYUI_PORT", 31411),
			RemoteURL:  GetEnv("COMFYUI_REMOTE_URL", ""),
			AutoStart:  GetBoolEnv("COMFYUI_AUTOSTART", true),
			Runtime:    GetEnv("COMFYUI_RUNTIME", RuntimeProcess),
			Executable: GetEnv("COMFYUI_EXECUTABLE", "python3"),
			Args:       strings.Fields(GetEnv("COMFYUI_ARGS", "main.py")),
			WorkDir:    GetEnv("COMFYUI_WORKDIR", ""),
			Image:      GetEnv("COMFYUI_IMAGE", "yanwk/comfyui-boot:cu124-slim"),
			LockFile:   GetEnv("COMFYUI_LOCK_FILE", defaultLockFile()),
			Checkpoint: GetEnv("COMFYUI_CHECKPOINT", "dreamshaper_8.safetensors"),
		},
		RunPod: RunPodConfig{
			EndpointID: GetEnv("RUNPOD_ENDPOINT_ID", ""),
			APIKey:     secret("RUNPOD_API_KEY"),
			BaseURL:    GetEnv("RUNPOD_BASE_URL", "https://api.runpod.ai"),
		},
	}
}
