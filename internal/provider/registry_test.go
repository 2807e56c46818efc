package provider

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/testutil"
)

// stubClient is a Client whose probe and submit results are set by the test.
type stubClient struct {
	healthy    atomic.Bool
	submitErr  atomic.Value // error wrapper
	probes     atomic.Int64
	submits    atomic.Int64
	probeDelay time.Duration
}

type errBox struct{ err error }

func newStub(healthy bool) *stubClient {
	s := &stubClient{}
	s.healthy.Store(healthy)
	s.submitErr.Store(errBox{})
	return s
}

func (s *stubClient) Submit(context.Context, GenerationRequest) (string, error) {
	s.submits.Add(1)
	if e := s.submitErr.Load().(errBox).err; e != nil {
		return "", e
	}
	return "remote-1", nil
}
func (s *stubClient) Status(context.Context, string) (JobStatus, error) {
	return JobStatus{State: StateComplete}, nil
}
func (s *stubClient) Images(context.Context, string) ([]Image, error) { return nil, nil }
func (s *stubClient) Download(context.Context, Image) ([]byte, error) { return nil, nil }
func (s *stubClient) Cancel(context.Context, string) error             { return nil }
func (s *stubClient) Probe(ctx context.Context) (string, error) {
	s.probes.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.probeDelay > 0 {
		select {
		case <-time.After(s.probeDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !s.healthy.Load() {
		return "", errors.New("connection refused")
	}
	return "stub-gpu", nil
}

func remote(name string, priority int) Provider {
	return Provider{Name: name, Mode: ModeRemote, Endpoint: "http://" + name, Priority: priority, Enabled: true, Remote: &RemoteOptions{}}
}

func newStubRegistry(t *testing.T, providers []Provider, stubs map[string]*stubClient, opts ...Option) *Registry {
	t.Helper()
	opts = append(opts, WithClientFactory(func(p Provider) (Client, error) {
		return stubs[p.Name], nil
	}))
	r, err := NewRegistry(providers, opts...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestRegistry_OrdersByPriorityAndFiltersDisabled(t *testing.T) {
	t.Parallel()
	disabled := remote("off", 500)
	disabled.Enabled = false
	stubs := map[string]*stubClient{"low": newStub(true), "high": newStub(true), "mid": newStub(true)}

	r := newStubRegistry(t, []Provider{remote("low", 1), disabled, remote("high", 10), remote("mid", 5)}, stubs)

	statuses := r.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(statuses))
	}
	want := []string{"high", "mid", "low"}
	for i, s := range statuses {
		if s.Name != want[i] {
			t.Errorf("position %d = %s, want %s", i, s.Name, want[i])
		}
	}
}

func TestRegistry_ActiveProviderProbesOnFirstUse(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"a": newStub(false), "b": newStub(true)}
	r := newStubRegistry(t, []Provider{remote("a", 10), remote("b", 5)}, stubs)

	sel := r.ActiveProvider(context.Background())
	if sel == nil {
		t.Fatal("expected an active provider")
	}
	if sel.Provider.Name != "b" {
		t.Errorf("active = %s, want b", sel.Provider.Name)
	}
	if stubs["a"].probes.Load() != 1 || stubs["b"].probes.Load() != 1 {
		t.Error("expected one probe per provider")
	}

	// Health data exists now; no new round.
	_ = r.ActiveProvider(context.Background())
	if stubs["a"].probes.Load() != 1 {
		t.Error("expected no additional probe")
	}
}

func TestRegistry_NoHealthyProviderReturnsNil(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"a": newStub(false)}
	r := newStubRegistry(t, []Provider{remote("a", 1)}, stubs)

	if sel := r.ActiveProvider(context.Background()); sel != nil {
		t.Errorf("expected nil, got %s", sel.Provider.Name)
	}
}

func TestRegistry_ProbeFailureIsolated(t *testing.T) {
	t.Parallel()
	slow := newStub(true)
	slow.probeDelay = time.Second
	stubs := map[string]*stubClient{"slow": slow, "fast": newStub(true)}
	r := newStubRegistry(t, []Provider{remote("slow", 10), remote("fast", 5)}, stubs, WithProbeTimeout(50*time.Millisecond))

	r.ProbeAll(context.Background())

	statuses := r.Statuses()
	if statuses[0].Health.Available {
		t.Error("expected slow provider to time out")
	}
	if !statuses[1].Health.Available {
		t.Error("expected fast provider to stay available")
	}
	if r.ActiveName() != "fast" {
		t.Errorf("active = %q, want fast", r.ActiveName())
	}
}

func TestRegistry_RecoveryReselectsHigherPriority(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"primary": newStub(false), "backup": newStub(true)}
	r := newStubRegistry(t, []Provider{remote("primary", 10), remote("backup", 1)}, stubs)
	ctx := context.Background()

	r.ProbeAll(ctx)
	if r.ActiveName() != "backup" {
		t.Fatalf("active = %q, want backup", r.ActiveName())
	}

	stubs["primary"].healthy.Store(true)
	r.ProbeAll(ctx)
	if r.ActiveName() != "primary" {
		t.Errorf("active = %q, want primary", r.ActiveName())
	}
}

func TestRegistry_ServerErrorMarksUnavailable(t *testing.T) {
	t.Parallel()
	first := testutil.NewFakeComfyUI(t)
	first.FailSubmit(http.StatusServiceUnavailable)
	second := testutil.NewFakeComfyUI(t)

	providers := []Provider{
		{Name: "first", Mode: ModeRemote, Endpoint: first.URL, Priority: 10, Enabled: true, Remote: &RemoteOptions{}},
		{Name: "second", Mode: ModeRemote, Endpoint: second.URL, Priority: 5, Enabled: true, Remote: &RemoteOptions{}},
	}
	r, err := NewRegistry(providers)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	ctx := context.Background()

	sel := r.ActiveProvider(ctx)
	if sel == nil || sel.Provider.Name != "first" {
		t.Fatalf("expected first to be active, got %+v", sel)
	}

	_, err = sel.Client.Submit(ctx, GenerationRequest{Prompt: "a cave"})
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	next := r.ActiveProvider(ctx)
	if next == nil || next.Provider.Name != "second" {
		t.Fatalf("expected second after 5xx, got %+v", next)
	}
	if _, err := next.Client.Submit(ctx, GenerationRequest{Prompt: "a cave"}); err != nil {
		t.Fatalf("second submit error = %v", err)
	}
	if second.Submits.Load() != 1 {
		t.Errorf("second submits = %d, want 1", second.Submits.Load())
	}
}

func TestRegistry_ClientErrorDoesNotMarkUnavailable(t *testing.T) {
	t.Parallel()
	stub := newStub(true)
	stub.submitErr.Store(errBox{apperrors.Upstream("submit", http.StatusBadRequest, "bad graph")})
	r := newStubRegistry(t, []Provider{remote("a", 1)}, map[string]*stubClient{"a": stub})
	ctx := context.Background()

	sel := r.ActiveProvider(ctx)
	if _, err := sel.Client.Submit(ctx, GenerationRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if r.ActiveName() != "a" {
		t.Error("a 4xx must not mark the provider unavailable")
	}
}

func TestRegistry_LookupAndSupervised(t *testing.T) {
	t.Parallel()
	local := Provider{Name: "local", Mode: ModeLocal, Endpoint: "http://127.0.0.1:1", Priority: 1, Enabled: true,
		Local: &LocalOptions{Supervised: true, AutoStart: true}}
	stubs := map[string]*stubClient{"local": newStub(false), "r": newStub(true)}
	r := newStubRegistry(t, []Provider{local, remote("r", 5)}, stubs)

	sel, err := r.Lookup("local")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !sel.Provider.Supervised() {
		t.Error("expected supervised provider")
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if s := r.Supervised(); s == nil || s.Provider.Name != "local" {
		t.Errorf("Supervised() = %+v", s)
	}

	ok, err := r.Probe(context.Background(), "local")
	if err != nil || ok {
		t.Errorf("Probe(local) = %v, %v; want false, nil", ok, err)
	}
	stubs["local"].healthy.Store(true)
	if ok, _ := r.Probe(context.Background(), "local"); !ok {
		t.Error("expected local available after worker start")
	}
}

func TestRegistry_CancelledCallerLeavesHealthAlone(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"a": newStub(true)}
	r := newStubRegistry(t, []Provider{remote("a", 1)}, stubs)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	if sel := r.ActiveProvider(cancelled); sel == nil || sel.Provider.Name != "a" {
		t.Fatalf("ActiveProvider(cancelled) = %+v, want a", sel)
	}
	if ok, err := r.Probe(cancelled, "a"); ok || !errors.Is(err, context.Canceled) {
		t.Errorf("Probe(cancelled) = %v, %v; want false, context.Canceled", ok, err)
	}
	if ok, err := r.Check(cancelled, "a"); ok || !errors.Is(err, context.Canceled) {
		t.Errorf("Check(cancelled) = %v, %v; want false, context.Canceled", ok, err)
	}

	h := r.Statuses()[0].Health
	if !h.Available || h.LastError != "" {
		t.Errorf("health = %+v, want available with no error", h)
	}
	if sel := r.ActiveProvider(context.Background()); sel == nil || sel.Provider.Name != "a" {
		t.Errorf("ActiveProvider() = %+v, want a", sel)
	}
}

func TestRegistry_CancelledRoundDoesNotCountAsProbed(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"a": newStub(true)}
	r := newStubRegistry(t, []Provider{remote("a", 1)}, stubs)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	r.ProbeAll(cancelled)
	if !r.Statuses()[0].Health.LastChecked.IsZero() {
		t.Error("cancelled round must not record health")
	}

	if sel := r.ActiveProvider(context.Background()); sel == nil {
		t.Error("expected a fresh round to select a")
	}
}

func TestRegistry_CheckDoesNotRecord(t *testing.T) {
	t.Parallel()
	stubs := map[string]*stubClient{"a": newStub(false)}
	r := newStubRegistry(t, []Provider{remote("a", 1)}, stubs)
	ctx := context.Background()

	r.ProbeAll(ctx)
	stubs["a"].healthy.Store(true)

	ok, err := r.Check(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Check(a) = %v, %v; want true, nil", ok, err)
	}
	if r.ActiveName() != "" {
		t.Errorf("active = %q, want none until a probe records health", r.ActiveName())
	}
	if _, err := r.Check(ctx, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_DuplicateNames(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry([]Provider{remote("a", 1), remote("a", 2)}, WithClientFactory(func(Provider) (Client, error) {
		return newStub(true), nil
	}))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	stub := newStub(true)
	r := newStubRegistry(t, []Provider{remote("a", 1)}, map[string]*stubClient{"a": stub}, WithProbeInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	testutil.MustWaitFor(t, func() bool { return stub.probes.Load() >= 3 }, testutil.WithTimeout(2*time.Second))
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
