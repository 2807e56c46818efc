package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/observability"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Registry holds the enabled providers in priority order, probes them
// periodically and tracks which one is active.
//
// The active provider is always the highest-priority provider whose most
// recent health record is available. Health is written only by probes and by
// MarkUnavailable. A probe cut short by its caller's context records nothing.
type Registry struct {
	mu      sync.RWMutex
	members []*member
	active  string
	probed  bool

	interval     time.Duration
	probeTimeout time.Duration
	newClient    func(Provider) (Client, error)
	logger       *slog.Logger
	metrics      *observability.Metrics
}

type member struct {
	provider Provider
	client   Client
	health   Health
}

// Selection is a provider together with its registry-issued client.
type Selection struct {
	Provider Provider
	Client   Client
}

// Status is a read-only snapshot of one provider.
type Status struct {
	Name       string `json:"name"`
	Mode       Mode   `json:"mode"`
	Endpoint   string `json:"endpoint"`
	Priority   int    `json:"priority"`
	Supervised bool   `json:"supervised"`
	Active     bool   `json:"active"`
	Health     Health `json:"health"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithProbeInterval overrides the 30s health-check interval.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// WithProbeTimeout overrides the 5s per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = d }
}

// WithClientFactory replaces NewClient, mainly for tests.
func WithClientFactory(f func(Provider) (Client, error)) Option {
	return func(r *Registry) { r.newClient = f }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records probe results.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry builds a registry from the enabled providers, sorted by
// priority (highest first, ties keep configuration order).
func NewRegistry(providers []Provider, opts ...Option) (*Registry, error) {
	r := &Registry{
		interval:     DefaultProbeInterval,
		probeTimeout: DefaultProbeTimeout,
		newClient:    NewClient,
		logger:       slog.With("component", "provider-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	seen := make(map[string]bool)
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		if seen[p.Name] {
			return nil, apperrors.Validation("name", fmt.Sprintf("duplicate provider name %q", p.Name))
		}
		seen[p.Name] = true

		client, err := r.newClient(p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		r.members = append(r.members, &member{provider: p, client: client})
	}
	sort.SliceStable(r.members, func(i, j int) bool {
		return r.members[i].provider.Priority > r.members[j].provider.Priority
	})
	return r, nil
}

// Run probes all providers immediately and then on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	r.ProbeAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one concurrent probe round and recomputes the active provider.
// A failed probe only affects its own provider.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	members := append([]*member(nil), r.members...)
	r.mu.RUnlock()

	var g errgroup.Group
	for _, m := range members {
		g.Go(func() error {
			r.probe(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	if ctx.Err() == nil {
		r.probed = true
	}
	r.recomputeLocked()
	r.mu.Unlock()
}

// Probe checks a single provider now and reports whether it is available.
func (r *Registry) Probe(ctx context.Context, name string) (bool, error) {
	m := r.find(name)
	if m == nil {
		return false, apperrors.NotFound("provider", name)
	}
	h, err := r.probe(ctx, m)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.recomputeLocked()
	r.mu.Unlock()
	return h.Available, nil
}

// Check probes a single provider without recording the result.
func (r *Registry) Check(ctx context.Context, name string) (bool, error) {
	m := r.find(name)
	if m == nil {
		return false, apperrors.NotFound("provider", name)
	}
	h := r.check(ctx, m)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return h.Available, nil
}

func (r *Registry) check(ctx context.Context, m *member) Health {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	info, err := m.client.Probe(pctx)
	h := Health{
		Available:    err == nil,
		ResponseTime: time.Since(start),
		LastChecked:  time.Now(),
		DeviceInfo:   info,
	}
	if err != nil {
		h.LastError = err.Error()
	}
	return h
}

// probe checks m and stores the result. It returns ctx's error, and stores
// nothing, when the caller gave up before the provider answered.
func (r *Registry) probe(ctx context.Context, m *member) (Health, error) {
	h := r.check(ctx, m)
	if err := ctx.Err(); err != nil {
		return Health{}, err
	}

	r.mu.Lock()
	prev := m.health
	m.health = h
	r.mu.Unlock()

	if prev.Available != h.Available || prev.LastChecked.IsZero() {
		r.logger.Info("Provider health changed", "provider", m.provider.Name, "available", h.Available, "error", h.LastError)
	}
	if r.metrics != nil {
		r.metrics.RecordProviderProbe(ctx, m.provider.Name, h.Available, h.ResponseTime.Seconds())
	}
	return h, nil
}

// ActiveProvider returns the current selection, probing first if no health
// data exists yet. It returns nil when no provider is available.
func (r *Registry) ActiveProvider(ctx context.Context) *Selection {
	r.mu.RLock()
	probed := r.probed
	r.mu.RUnlock()
	if !probed {
		r.ProbeAll(context.WithoutCancel(ctx))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.provider.Name == r.active {
			return r.selection(m)
		}
	}
	return nil
}

// Lookup returns a provider by name regardless of its health.
func (r *Registry) Lookup(name string) (*Selection, error) {
	m := r.find(name)
	if m == nil {
		return nil, apperrors.NotFound("provider", name)
	}
	return r.selection(m), nil
}

// Supervised returns the first provider whose worker this process owns.
func (r *Registry) Supervised() *Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.provider.Supervised() {
			return r.selection(m)
		}
	}
	return nil
}

// MarkUnavailable records a server-side failure and re-selects. It does not
// retry anything; failover is up to the caller.
func (r *Registry) MarkUnavailable(name string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.provider.Name != name {
			continue
		}
		m.health.Available = false
		m.health.LastChecked = time.Now()
		if cause != nil {
			m.health.LastError = cause.Error()
		}
		r.logger.Warn("Provider marked unavailable", "provider", name, "error", cause)
	}
	r.recomputeLocked()
}

// Statuses returns a snapshot of every provider in priority order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, Status{
			Name:       m.provider.Name,
			Mode:       m.provider.Mode,
			Endpoint:   m.provider.Endpoint,
			Priority:   m.provider.Priority,
			Supervised: m.provider.Supervised(),
			Active:     m.provider.Name == r.active,
			Health:     m.health,
		})
	}
	return out
}

// ActiveName returns the name of the active provider, or "" if none.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Len returns the number of enabled providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) find(name string) *member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.provider.Name == name {
			return m
		}
	}
	return nil
}

func (r *Registry) recomputeLocked() {
	next := ""
	for _, m := range r.members {
		if m.health.Available {
			next = m.provider.Name
			break
		}
	}
	if next != r.active {
		r.logger.Info("Active provider changed", "from", r.active, "to", next)
		r.active = next
	}
}

func (r *Registry) selection(m *member) *Selection {
	return &Selection{
		Provider: m.provider,
		Client:   &trackedClient{Client: m.client, name: m.provider.Name, registry: r},
	}
}

// trackedClient marks its provider unavailable whenever a call comes back
// with a 5xx.
type trackedClient struct {
	Client
	name     string
	registry *Registry
}

func (t *trackedClient) observe(err error) {
	if apperrors.IsServerError(err) {
		t.registry.MarkUnavailable(t.name, err)
	}
}

func (t *trackedClient) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	id, err := t.Client.Submit(ctx, req)
	t.observe(err)
	return id, err
}

func (t *trackedClient) Status(ctx context.Context, remoteID string) (JobStatus, error) {
	st, err := t.Client.Status(ctx, remoteID)
	t.observe(err)
	return st, err
}

func (t *trackedClient) Images(ctx context.Context, remoteID string) ([]Image, error) {
	imgs, err := t.Client.Images(ctx, remoteID)
	t.observe(err)
	return imgs, err
}

func (t *trackedClient) Download(ctx context.Context, img Image) ([]byte, error) {
	data, err := t.Client.Download(ctx, img)
	t.observe(err)
	return data, err
}
