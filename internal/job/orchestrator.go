// Package job tracks map generation jobs and runs them against the image
// providers.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/observability"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/storage"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/pkg/circuitbreaker"
)

// Validation limits
const (
	maxPromptLength    = 2000
	maxSceneNameLength = 128
	maxStyleLength     = 64
	minGridSize        = 50
	maxGridSize        = 200
)

// Providers is the part of the provider registry the orchestrator uses.
type Providers interface {
	ActiveProvider(ctx context.Context) *provider.Selection
	Lookup(name string) (*provider.Selection, error)
	Supervised() *provider.Selection
	Probe(ctx context.Context, name string) (bool, error)
	Check(ctx context.Context, name string) (bool, error)
}

// Options tunes the orchestrator. Zero values take the defaults.
type Options struct {
	MaxConcurrent          int           // Jobs processed at once (default 2)
	PollInterval           time.Duration // Local and remote status polls (default 5s)
	PollTimeout            time.Duration // Overall bound for local and remote polling (0 = unbounded)
	PollLogEvery           time.Duration // How often a long poll is logged (default 1m)
	ServerlessPollInterval time.Duration // Default 3s
	ServerlessTimeout      time.Duration // Default 10m
	WorkerWaitInterval     time.Duration // Status polls while another job starts the worker (default 1s)
	AutoStart              bool          // Start the supervised worker when no provider is available
	Checkpoint             string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollLogEvery <= 0 {
		o.PollLogEvery = time.Minute
	}
	if o.ServerlessPollInterval <= 0 {
		o.ServerlessPollInterval = 3 * time.Second
	}
	if o.ServerlessTimeout <= 0 {
		o.ServerlessTimeout = 10 * time.Minute
	}
	if o.WorkerWaitInterval <= 0 {
		o.WorkerWaitInterval = time.Second
	}
	return o
}

// Orchestrator accepts jobs and drives each one through a background
// pipeline.
//
// # Lifecycle
//
// StartJob validates, creates the job and returns immediately. The pipeline
// waits for an admission slot, then resolves a provider, submits, polls,
// stores the artifact and completes the job. Every failure inside the
// pipeline ends up on the job and in a broadcast; nothing escapes.
//
// # Cancellation
//
// CancelJob marks the job cancelled first, then cancels the pipeline's
// context and asks the provider to interrupt. The provider is interrupted at
// most once per job: by CancelJob when the job already has a remote id, or by
// the pipeline when the submission lands after the cancellation.
type Orchestrator struct {
	store      *Store
	providers  Providers
	supervisor supervisor.Supervisor
	storage    storage.Store
	events     Broadcaster
	metrics    *observability.Metrics
	breaker    *circuitbreaker.Breaker
	sem        *semaphore.Weighted
	opts       Options
	logger     *slog.Logger

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Deps are the collaborators of an Orchestrator. Supervisor, Events and
// Metrics may be nil.
type Deps struct {
	Store      *Store
	Providers  Providers
	Supervisor supervisor.Supervisor
	Storage    storage.Store
	Events     Broadcaster
	Metrics    *observability.Metrics
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	store := deps.Store
	if store == nil {
		store = NewStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		providers:  deps.Providers,
		supervisor: deps.Supervisor,
		storage:    deps.Storage,
		events:     deps.Events,
		metrics:    deps.Metrics,
		breaker:    circuitbreaker.New(circuitbreaker.Config{Threshold: 3, Cooldown: 2 * time.Minute}),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:       opts,
		logger:     slog.With("component", "orchestrator"),
		tasks:      make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Store returns the job store.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// StartJob validates the request, creates a job and starts processing it in
// the background.
// Note: This method applies defaults to the request before validation.
func (o *Orchestrator) StartJob(ctx context.Context, req *Request) (*StartResponse, error) {
	applyDefaults(req)
	if err := validate(req); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return nil, apperrors.ProviderUnavailable("server is shutting down")
	}
	j := o.store.Create(*req)
	jobCtx, cancel := context.WithCancel(o.ctx)
	o.tasks[j.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	logger := o.logger.With("jobId", j.ID, "scene", req.SceneName, "size", req.Size)

	go func() {
		defer o.wg.Done()
		defer o.forget(j.ID)
		o.run(jobCtx, j.ID, logger)
	}()

	// Record metrics after successful creation
	if o.metrics != nil {
		o.metrics.RecordJobCreated(ctx, string(req.Size))
	}

	logger.Info("Job created")

	return &StartResponse{
		JobID:         j.ID,
		EstimatedTime: req.Size.estimatedTime(),
	}, nil
}

// GetJob returns a job snapshot.
func (o *Orchestrator) GetJob(id string) (*Job, error) {
	return o.store.Get(id)
}

// ListJobs returns all jobs, newest first.
func (o *Orchestrator) ListJobs() *ListResponse {
	return &ListResponse{Jobs: o.store.List()}
}

// CancelJob cancels a queued or started job. Cancelling a terminal job fails
// with a conflict and changes nothing.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*Job, error) {
	logger := o.logger.With("jobId", id)

	snap, err := o.store.Cancel(id)
	if err != nil {
		logger.Warn("Job cancellation rejected", "error", err)
		return nil, err
	}

	o.mu.Lock()
	cancel := o.tasks[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if snap.RemoteID != "" {
		o.interrupt(ctx, snap.Provider, snap.RemoteID, logger)
	}

	if o.metrics != nil {
		o.metrics.RecordJobCancelled(ctx, snap.Provider)
	}
	o.broadcast(snap)
	logger.Info("Job cancelled", "provider", snap.Provider, "remoteId", snap.RemoteID)
	return snap, nil
}

// interrupt asks the provider to stop a remote job. Failures are logged only.
func (o *Orchestrator) interrupt(ctx context.Context, providerName, remoteID string, logger *slog.Logger) {
	sel, err := o.providers.Lookup(providerName)
	if err != nil {
		logger.Warn("Cannot interrupt job, provider unknown", "provider", providerName, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sel.Client.Cancel(ctx, remoteID); err != nil {
		logger.Warn("Provider interrupt failed", "provider", providerName, "remoteId", remoteID, "error", err)
	}
}

// Sweep expires jobs older than maxAge and evicts terminal jobs past
// retention. Expired jobs have their pipelines cancelled.
func (o *Orchestrator) Sweep(retention, maxAge time.Duration) {
	expired, evicted := o.store.Sweep(retention, maxAge)
	for _, id := range expired {
		o.mu.Lock()
		cancel := o.tasks[id]
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		logger := o.logger.With("jobId", id)
		if j, err := o.store.Get(id); err == nil {
			if j.RemoteID != "" {
				o.interrupt(context.Background(), j.Provider, j.RemoteID, logger)
			}
			o.broadcast(j)
		}
		logger.Warn("Job expired", "maxAge", maxAge)
	}
	if evicted > 0 {
		o.logger.Info("Evicted finished jobs", "count", evicted, "retention", retention)
	}
}

// RunSweeper sweeps on every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval, retention, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(retention, maxAge)
		}
	}
}

// StartWorker starts the supervised local worker.
func (o *Orchestrator) StartWorker(ctx context.Context) (supervisor.Status, error) {
	if o.supervisor == nil {
		return supervisor.Status{}, apperrors.ProviderUnavailable("no supervised local worker is configured")
	}
	st, err := o.supervisor.Start(ctx)
	if err == nil {
		o.breaker.Reset()
		if sel := o.providers.Supervised(); sel != nil {
			_, _ = o.providers.Probe(ctx, sel.Provider.Name)
		}
	}
	return st, err
}

// StopWorker stops the supervised local worker.
func (o *Orchestrator) StopWorker(ctx context.Context) (supervisor.Status, error) {
	if o.supervisor == nil {
		return supervisor.Status{}, apperrors.ProviderUnavailable("no supervised local worker is configured")
	}
	err := o.supervisor.Stop(ctx)
	if sel := o.providers.Supervised(); sel != nil {
		_, _ = o.providers.Probe(ctx, sel.Provider.Name)
	}
	return o.supervisor.Status(), err
}

// WorkerStatus returns the supervised worker's status.
func (o *Orchestrator) WorkerStatus() (supervisor.Status, bool) {
	if o.supervisor == nil {
		return supervisor.Status{}, false
	}
	return o.supervisor.Status(), true
}

// Wait blocks until every pipeline has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels all pipelines and waits for them, up to ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.tasks[id]; ok {
		cancel()
		delete(o.tasks, id)
	}
}

func (o *Orchestrator) broadcast(j *Job) {
	if o.events == nil {
		return
	}
	eventType, data := eventFor(j)
	if err := o.events.Broadcast(eventType, data); err != nil {
		o.logger.Debug("Broadcast not queued", "type", eventType, "jobId", j.ID, "error", err)
	}
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SceneName = strings.TrimSpace(req.SceneName)
	req.Style = strings.TrimSpace(req.Style)
	if req.Size == "" {
		req.Size = SizeMedium
	}
	req.Size = Size(strings.ToLower(string(req.Size)))
	if req.GridSize <= 0 {
		req.GridSize = defaultGridSize
	}
}

// validate validates a job request. Does not modify the request.
func validate(req *Request) error {
	if req.Prompt == "" {
		return apperrors.Validation("prompt", "prompt is required")
	}
	if utf8.RuneCountInString(req.Prompt) > maxPromptLength {
		return apperrors.Validation("prompt", fmt.Sprintf("prompt exceeds maximum length of %d", maxPromptLength))
	}

	if req.SceneName == "" {
		return apperrors.Validation("scene_name", "scene name is required")
	}
	if utf8.RuneCountInString(req.SceneName) > maxSceneNameLength {
		return apperrors.Validation("scene_name", fmt.Sprintf("scene name exceeds maximum length of %d", maxSceneNameLength))
	}

	if req.Size.Pixels() == 0 {
		return apperrors.Validation("size", fmt.Sprintf("size must be one of small, medium, large, got %q", req.Size))
	}

	if req.GridSize < minGridSize || req.GridSize > maxGridSize {
		return apperrors.Validation("grid_size", fmt.Sprintf("grid size must be between %d and %d", minGridSize, maxGridSize))
	}

	if len(req.Style) > maxStyleLength {
		return apperrors.Validation("style", fmt.Sprintf("style exceeds maximum length of %d", maxStyleLength))
	}

	return nil
}
