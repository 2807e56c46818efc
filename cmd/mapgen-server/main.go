// mapgen-server runs the map generation backend: the peer WebSocket and
// WebRTC endpoints, the job orchestrator and the tool-host control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/api"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/connector"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/controlplane"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/dispatcher"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/health"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/observability"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/session"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/signaling"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/storage"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
)

const sweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logLevel string
		help     bool
	)
	config.LoadDotEnv()
	svcCfg := config.LoadServiceConfig()

	flagSet := pflag.NewFlagSet("mapgen-server", pflag.ContinueOnError)
	flagSet.StringVar(&svcCfg.Port, "port", svcCfg.Port, "HTTP port for the peer socket, signaling and job API")
	flagSet.StringVar(&svcCfg.MetricsPort, "metrics-port", svcCfg.MetricsPort, "port for /metrics")
	flagSet.StringVar(&svcCfg.ControlAddr, "control-addr", svcCfg.ControlAddr, "TCP address of the tool-host control plane")
	flagSet.StringVar(&svcCfg.ProvidersFile, "providers", svcCfg.ProvidersFile, "YAML provider list (default: derived from environment)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help {
		fmt.Fprintf(os.Stderr, "Usage: mapgen-server [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	// Metrics
	metrics, metricsHandler, err := observability.NewMetrics(rootCtx)
	if err != nil {
		return err
	}

	// Providers
	providers, err := provider.Load(svcCfg)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(providers, provider.WithMetrics(metrics))
	if err != nil {
		return err
	}

	var worker supervisor.Supervisor
	if sel := registry.Supervised(); sel != nil {
		worker, err = supervisor.New(svcCfg.ComfyUI, supervisor.Options{})
		if err != nil {
			return err
		}
		slog.Info("Local worker supervised", "provider", sel.Provider.Name, "runtime", svcCfg.ComfyUI.Runtime)
	}

	// Artifact storage
	artifactDir, store, err := newStorage(svcCfg)
	if err != nil {
		return err
	}

	// Peer session and broadcasts
	conn := connector.New(connector.WithMetrics(metrics))
	events := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), conn, metrics)
	signaler := signaling.New(conn)

	orchestrator := job.NewOrchestrator(job.Deps{
		Store:      job.NewStore(),
		Providers:  registry,
		Supervisor: worker,
		Storage:    store,
		Events:     events,
		Metrics:    metrics,
	}, job.Options{
		MaxConcurrent:     svcCfg.MaxConcurrentJobs,
		PollTimeout:       svcCfg.PollTimeout,
		ServerlessTimeout: svcCfg.ServerlessTimeout,
		AutoStart:         svcCfg.ComfyUI.AutoStart,
		Checkpoint:        svcCfg.ComfyUI.Checkpoint,
	})

	sessions := session.New(conn, orchestrator, registry, signaler)
	conn.SetDispatcher(sessions)

	control := controlplane.NewServer()
	controlplane.RegisterTools(control, orchestrator, registry, conn)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"providers": health.Providers(registry),
	})

	router := api.NewRouter(api.RouterConfig{
		Jobs:          orchestrator,
		Providers:     registry,
		Signaling:     signaler,
		Sockets:       conn,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		ArtifactDir:   artifactDir,
		BaseContext:   rootCtx,
	})

	// No WriteTimeout: /ws is long-lived.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Background loops
	go registry.Run(rootCtx)
	go orchestrator.RunSweeper(rootCtx, sweepInterval, svcCfg.JobRetention, svcCfg.JobMaxAge)

	serverErr := make(chan error, 3)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	controlCtx, stopControl := context.WithCancel(rootCtx)
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		if err := control.ListenAndServe(controlCtx, svcCfg.ControlAddr); err != nil {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		stopControl()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		select {
		case <-controlDone:
		case <-shutdownCtx.Done():
			slog.Warn("Control plane did not stop in time")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		stopRoot()
		closeAll(orchestrator, sessions, signaler, conn, events, worker)
		return err
	}

	// Phase 1: refuse readiness so callers stop sending work
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop listeners and finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: cancel jobs, interrupt providers, flush broadcasts, stop the worker
	stopRoot()
	closeAll(orchestrator, sessions, signaler, conn, events, worker)

	stats := events.Stats()
	slog.Info("Broadcast stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return nil
}

func closeAll(orch *job.Orchestrator, sessions *session.Handler, sig *signaling.Signaler, conn *connector.Connector, events *dispatcher.MemoryDispatcher, worker supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := orch.Close(ctx); err != nil {
		slog.Warn("Jobs did not stop in time", "error", err)
	}
	sessions.Close()

	// Terminal broadcasts from cancelled jobs go out before the peer is dropped.
	if err := events.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	if err := sig.Close(); err != nil {
		slog.Warn("Signaling shutdown error", "error", err)
	}
	if err := conn.Close(); err != nil {
		slog.Debug("Peer session close error", "error", err)
	}

	if worker != nil {
		if err := worker.Stop(ctx); err != nil {
			slog.Warn("Local worker stop error", "error", err)
		}
		if c, ok := worker.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// newStorage picks the upload relay when configured, otherwise the local
// directory served under /artifacts/. The returned directory is empty for
// the relay.
func newStorage(cfg *config.ServiceConfig) (string, storage.Store, error) {
	if cfg.StorageUploadURL != "" {
		relay := storage.NewRelay(cfg.StorageUploadURL, cfg.StorageURL, cfg.StorageUploadKey, 30*time.Second)
		slog.Info("Artifacts relayed", "uploadUrl", cfg.StorageUploadURL)
		return "", relay, nil
	}

	baseURL := cfg.StorageURL
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.Port + "/artifacts"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	fs, err := storage.NewFileStore(cfg.StorageDir, baseURL)
	if err != nil {
		return "", nil, err
	}
	slog.Info("Artifacts stored locally", "dir", fs.BasePath(), "url", baseURL)
	return fs.BasePath(), fs, nil
}
