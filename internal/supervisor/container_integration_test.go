//go:build integration

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
)

// Requires a Docker daemon and pulls the worker image on first run.
func TestContainer_StartStop(t *testing.T) {
	cfg := config.ComfyUIConfig{
		Host:    "127.0.0.1",
		Port:    31499,
		Runtime: config.RuntimeContainer,
		Image:   "yanwk/comfyui-boot:cu124-slim",
	}
	s, err := NewContainer(cfg, Options{ReadyTimeout: 5 * time.Minute})
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Ready(ctx); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}

	st, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.State != StateRunning || st.ContainerID == "" {
		t.Fatalf("Start() status = %+v", st)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := s.Status().State; got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}
