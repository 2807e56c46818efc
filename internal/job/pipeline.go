package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/storage"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/pkg/circuitbreaker"
)

type milestone struct {
	percent int
	stage   string
}

// Progress checkpoints. Phases report fixed values, not a linear estimate.
var (
	msStarted     = milestone{5, "started"}
	msResolving   = milestone{10, "resolving provider"}
	msWorkerReady = milestone{20, "provider ready"}
	msSubmitted   = milestone{30, "submitted"}
	msQueued      = milestone{40, "queued on provider"}
	msGenerating  = milestone{60, "generating"}
	msRetrieving  = milestone{80, "retrieving image"}
	msStoring     = milestone{90, "storing image"}
)

const defaultStyle = "fantasy"

// run is the background pipeline of one job. It never panics and always
// leaves the job terminal unless the process is exiting.
func (o *Orchestrator) run(ctx context.Context, id string, logger *slog.Logger) {
	start := time.Now()
	providerName := ""
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			o.fail(ctx, id, providerName, fmt.Errorf("internal error: %v", r), start, logger)
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		// Cancelled, expired or shutting down while waiting for a slot.
		if snap, err := o.store.Cancel(id); err == nil {
			o.broadcast(snap)
		}
		return
	}
	defer o.sem.Release(1)

	if err := o.store.Start(id); err != nil {
		logger.Debug("Job left the queue before starting", "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordJobStarted(ctx)
	}

	err := o.process(ctx, id, &providerName, logger)
	if err != nil {
		o.fail(ctx, id, providerName, err, start, logger)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.WithoutCancel(ctx), providerName, true, time.Since(start).Seconds())
	}
}

func (o *Orchestrator) process(ctx context.Context, id string, providerName *string, logger *slog.Logger) error {
	j, err := o.store.Get(id)
	if err != nil {
		return err
	}

	o.progress(id, msStarted)
	o.progress(id, msResolving)
	sel, err := o.resolveProvider(ctx, j.Params, logger)
	if err != nil {
		return err
	}
	*providerName = sel.Provider.Name
	if err := o.store.SetProvider(id, sel.Provider.Name); err != nil {
		return err
	}
	o.progress(id, msWorkerReady)

	sel, remoteID, err := o.submit(ctx, sel, j.Params.Provider != "", o.generationRequest(j), logger)
	*providerName = sel.Provider.Name
	if err != nil {
		return err
	}
	logger = logger.With("provider", sel.Provider.Name, "remoteId", remoteID)
	if err := o.store.SetRemote(id, sel.Provider.Name, remoteID); err != nil {
		// The job was cancelled or expired while the submission was in flight.
		o.interrupt(ctx, sel.Provider.Name, remoteID, logger)
		return err
	}
	o.progress(id, msSubmitted)
	logger.Info("Job submitted")

	if err := o.poll(ctx, id, sel, remoteID, logger); err != nil {
		return err
	}

	o.progress(id, msRetrieving)
	images, err := sel.Client.Images(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}
	if len(images) == 0 {
		return apperrors.Internal("job.retrieve", errors.New("provider reported no output images"))
	}
	data, err := sel.Client.Download(ctx, images[0])
	if err != nil {
		return fmt.Errorf("download %s: %w", images[0].Filename, err)
	}

	o.progress(id, msStoring)
	if o.storage == nil {
		return apperrors.Internal("job.store", errors.New("no artifact storage configured"))
	}
	obj, err := o.storage.Put(ctx, id+"/"+slug(j.Params.SceneName), data)
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	result := buildResult(j.Params, obj, sel.Provider.Name)
	if err := o.store.Complete(id, result); err != nil {
		return err
	}
	if snap, err := o.store.Get(id); err == nil {
		o.broadcast(snap)
	}
	logger.Info("Job complete", "url", result.ImageURL, "bytes", len(data))
	return nil
}

// fail records err on the job unless it already reached a terminal state
// through cancellation or expiry.
func (o *Orchestrator) fail(ctx context.Context, id, providerName string, err error, start time.Time, logger *slog.Logger) {
	if j, gerr := o.store.Get(id); gerr != nil || j.Status.Terminal() {
		logger.Debug("Job pipeline stopped", "error", err)
		return
	}
	if ctx.Err() != nil {
		// Shutdown rather than a user cancel, which would have made the job terminal.
		if snap, cerr := o.store.Cancel(id); cerr == nil {
			logger.Warn("Job cancelled by shutdown", "provider", providerName)
			if snap.RemoteID != "" {
				o.interrupt(ctx, snap.Provider, snap.RemoteID, logger)
			}
			o.broadcast(snap)
		}
		return
	}

	if ferr := o.store.Fail(id, err.Error()); ferr != nil {
		logger.Debug("Job failure not recorded", "error", ferr)
		return
	}
	logger.Error("Job failed", "provider", providerName, "error", err)
	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.WithoutCancel(ctx), providerName, false, time.Since(start).Seconds())
	}
	if snap, gerr := o.store.Get(id); gerr == nil {
		o.broadcast(snap)
	}
}

func (o *Orchestrator) progress(id string, m milestone) {
	advanced, err := o.store.Progress(id, m.percent, m.stage)
	if err != nil || !advanced {
		return
	}
	if o.events == nil {
		return
	}
	if err := o.events.Broadcast(EventProgress, ProgressEvent{
		JobID:    id,
		Status:   StateStarted,
		Progress: m.percent,
		Stage:    m.stage,
	}); err != nil {
		o.logger.Debug("Progress not broadcast", "jobId", id, "error", err)
	}
}

// resolveProvider picks the explicit override, else the active provider,
// else the supervised worker after starting it.
func (o *Orchestrator) resolveProvider(ctx context.Context, params Request, logger *slog.Logger) (*provider.Selection, error) {
	if params.Provider != "" {
		sel, err := o.providers.Lookup(params.Provider)
		if err != nil {
			return nil, err
		}
		if sel.Provider.Supervised() {
			if err := o.ensureWorker(ctx, sel, logger); err != nil {
				return nil, err
			}
		}
		return sel, nil
	}

	if sel := o.providers.ActiveProvider(ctx); sel != nil {
		return sel, nil
	}
	sel := o.providers.Supervised()
	if sel == nil {
		return nil, apperrors.ProviderUnavailable("no image provider available")
	}
	if err := o.ensureWorker(ctx, sel, logger); err != nil {
		return nil, err
	}
	return sel, nil
}

// ensureWorker makes sure the supervised worker behind sel answers probes,
// starting it when auto-start is allowed. It checks health without recording
// it; the registry's own rounds keep the health table.
func (o *Orchestrator) ensureWorker(ctx context.Context, sel *provider.Selection, logger *slog.Logger) error {
	name := sel.Provider.Name
	ok, err := o.providers.Check(ctx, name)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if ok {
		return nil
	}
	if o.supervisor == nil {
		return apperrors.ProviderUnavailable(fmt.Sprintf("no image provider available: %s is down and has no supervisor", name))
	}
	if st := o.supervisor.Status(); st.State == supervisor.StateRunning {
		return apperrors.ProviderUnavailable(fmt.Sprintf("no image provider available: %s is running but not healthy", name))
	}
	if !o.opts.AutoStart || sel.Provider.Local == nil || !sel.Provider.Local.AutoStart {
		return apperrors.ProviderUnavailable("no image provider available and local worker auto-start is disabled")
	}

	logger.Info("Starting local worker", "provider", name)
	var st supervisor.Status
	err = o.breaker.Do(func() error {
		var startErr error
		st, startErr = o.supervisor.Start(ctx)
		return startErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.ProviderUnavailable(fmt.Sprintf("local worker keeps failing to start; auto-start is paused until %s",
			o.breaker.RetryAt().Format(time.RFC3339)))
	}
	if err != nil {
		return err
	}
	if st.State == supervisor.StateStarting {
		logger.Info("Local worker is already starting, waiting", "provider", name)
		if err := o.awaitWorker(ctx); err != nil {
			return err
		}
	}
	ok, err = o.providers.Check(ctx, name)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		return apperrors.ProviderUnavailable(fmt.Sprintf("provider %s is not healthy after worker start", name))
	}
	return nil
}

// awaitWorker waits out a start begun by another caller.
func (o *Orchestrator) awaitWorker(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.WorkerWaitInterval)
	defer ticker.Stop()
	for {
		st := o.supervisor.Status()
		switch st.State {
		case supervisor.StateRunning:
			return nil
		case supervisor.StateError, supervisor.StateStopped:
			msg := "local worker failed to start"
			if st.Error != "" {
				msg += ": " + st.Error
			}
			return apperrors.ProviderUnavailable(msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// submit hands the request to sel. A 5xx moves on to the next available
// provider unless the caller pinned one.
func (o *Orchestrator) submit(ctx context.Context, sel *provider.Selection, pinned bool, req provider.GenerationRequest, logger *slog.Logger) (*provider.Selection, string, error) {
	tried := make(map[string]bool)
	for {
		tried[sel.Provider.Name] = true
		remoteID, err := sel.Client.Submit(ctx, req)
		if err == nil {
			return sel, remoteID, nil
		}
		if pinned || !apperrors.IsServerError(err) {
			return sel, "", err
		}

		logger.Warn("Submission failed, trying next provider", "provider", sel.Provider.Name, "error", err)
		if o.metrics != nil {
			o.metrics.RecordProviderFailover(ctx, sel.Provider.Name)
		}
		next := o.providers.ActiveProvider(ctx)
		if next == nil || tried[next.Provider.Name] {
			return sel, "", apperrors.ProviderUnavailable(fmt.Sprintf("all providers failed, last error: %v", err))
		}
		sel = next
	}
}

// poll waits for the provider to finish. Status errors are logged and
// retried; only the overall bound or the job context stops the loop.
func (o *Orchestrator) poll(ctx context.Context, id string, sel *provider.Selection, remoteID string, logger *slog.Logger) error {
	interval, limit := o.opts.PollInterval, o.opts.PollTimeout
	if sel.Provider.Mode == provider.ModeServerless {
		interval, limit = o.opts.ServerlessPollInterval, o.opts.ServerlessTimeout
	}

	start := time.Now()
	lastLog := start
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := sel.Client.Status(ctx, remoteID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Status poll failed", "error", err)
		case st.State == provider.StateQueued:
			o.progress(id, msQueued)
		case st.State == provider.StateRunning:
			o.progress(id, msGenerating)
		case st.State == provider.StateComplete:
			return nil
		case st.State == provider.StateCancelled:
			return apperrors.Cancelled("job", id, sel.Provider.Name)
		case st.State == provider.StateFailed:
			msg := st.Error
			if msg == "" {
				msg = "unknown error"
			}
			return fmt.Errorf("generation failed on %s: %s", sel.Provider.Name, msg)
		}

		if limit > 0 && time.Since(start) >= limit {
			return apperrors.Timeout("job.poll", limit)
		}
		if time.Since(lastLog) >= o.opts.PollLogEvery {
			logger.Info("Still waiting for provider", "elapsed", time.Since(start).Round(time.Second), "state", st.State)
			lastLog = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) generationRequest(j *Job) provider.GenerationRequest {
	px := j.Params.Size.Pixels()
	return provider.GenerationRequest{
		Prompt:         buildPrompt(j.Params),
		Width:          px,
		Height:         px,
		Checkpoint:     o.opts.Checkpoint,
		FilenamePrefix: "battlemap_" + strings.ReplaceAll(j.ID, "-", "")[:12],
	}
}

func buildPrompt(params Request) string {
	style := params.Style
	if style == "" {
		style = defaultStyle
	}
	return fmt.Sprintf("top-down battle map, %s, %s style, tabletop RPG, orthographic overhead view, highly detailed, even lighting, no grid lines",
		params.Prompt, style)
}

func buildResult(params Request, obj *storage.Object, providerName string) *Result {
	width, height := obj.Width, obj.Height
	if width == 0 || height == 0 {
		width = params.Size.Pixels()
		height = width
	}
	return &Result{
		ImageURL:    obj.URL,
		Filename:    path.Base(obj.Key),
		ContentType: obj.ContentType,
		Width:       width,
		Height:      height,
		Provider:    providerName,
		ScenePayload: ScenePayload{
			Name:    params.SceneName,
			Width:   width,
			Height:  height,
			Padding: scenePadding,
			Grid: SceneGrid{
				Size:     params.GridSize,
				Type:     gridTypeSquare,
				Distance: gridDistance,
				Units:    gridUnits,
			},
			Background: Background{Src: obj.URL},
		},
	}
}

// slug turns a scene name into a file name.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "map"
	}
	return s
}
