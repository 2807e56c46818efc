package dispatcher

import (
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries = 3
	defaultBufferSize = 1024
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize int // pending events buffer (default: 1024)
	MaxRetries int // send attempts after the first (default: 3)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize: config.GetIntEnv("MAPGEN_BROADCAST_BUFFER", defaultBufferSize),
		MaxRetries: config.GetIntEnv("MAPGEN_BROADCAST_RETRIES", defaultMaxRetries),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}
