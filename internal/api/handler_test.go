package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/connector"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/health"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/signaling"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/testutil"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	startErr error
	worker   *supervisor.Status
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*job.Job{}}
}

func (f *fakeJobs) StartJob(_ context.Context, req *job.Request) (*job.StartResponse, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs["job-1"] = &job.Job{ID: "job-1", Params: *req, Status: job.StateQueued}
	return &job.StartResponse{JobID: "job-1", EstimatedTime: "1-2 minutes"}, nil
}

func (f *fakeJobs) GetJob(id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if j.Status.Terminal() {
		return nil, apperrors.Conflict("job", id, "job "+id+" is already "+string(j.Status))
	}
	j.Status = job.StateCancelled
	return j, nil
}

func (f *fakeJobs) ListJobs() *job.ListResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &job.ListResponse{Jobs: []*job.Job{}}
	for _, j := range f.jobs {
		out.Jobs = append(out.Jobs, j)
	}
	return out
}

func (f *fakeJobs) WorkerStatus() (supervisor.Status, bool) {
	if f.worker == nil {
		return supervisor.Status{}, false
	}
	return *f.worker, true
}

type fakeProviders struct {
	active string
}

func (f fakeProviders) Statuses() []provider.Status {
	return []provider.Status{
		{Name: "local", Mode: provider.ModeLocal, Supervised: true, Active: f.active == "local"},
		{Name: "runpod", Mode: provider.ModeServerless},
	}
}
func (f fakeProviders) ActiveName() string { return f.active }

type fakeSignaler struct {
	got webrtc.SessionDescription
	err error
}

func (f *fakeSignaler) HandleOffer(_ context.Context, offer webrtc.SessionDescription, onCandidate signaling.CandidateFunc) (webrtc.SessionDescription, error) {
	if onCandidate != nil {
		return webrtc.SessionDescription{}, errors.New("out-of-band offers cannot trickle")
	}
	f.got = offer
	if f.err != nil {
		return webrtc.SessionDescription{}, f.err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

type server struct {
	jobs      *fakeJobs
	signaler  *fakeSignaler
	connector *connector.Connector
	handler   http.Handler
}

func newServer(t *testing.T, mutate func(*RouterConfig)) *server {
	t.Helper()
	s := &server{
		jobs:      newFakeJobs(),
		signaler:  &fakeSignaler{},
		connector: connector.New(),
	}
	reg := fakeProviders{active: "local"}
	cfg := RouterConfig{
		Jobs:          s.jobs,
		Providers:     reg,
		Signaling:     s.signaler,
		Sockets:       s.connector,
		HealthChecker: health.NewChecker(map[string]health.ReadinessChecker{"providers": health.Providers(reg)}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s.handler = NewRouter(cfg)
	return s
}

func (s *server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	w := s.do(t, http.MethodGet, "/livez", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if resp := decode[health.Response](t, w); resp.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", resp.Status)
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		active string
		code   int
		status health.Status
	}{
		{"provider available", "local", http.StatusOK, health.StatusHealthy},
		{"supervised fallback", "", http.StatusOK, health.StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t, func(cfg *RouterConfig) {
				reg := fakeProviders{active: tt.active}
				cfg.HealthChecker = health.NewChecker(map[string]health.ReadinessChecker{"providers": health.Providers(reg)})
			})

			w := s.do(t, http.MethodGet, "/readyz", "")

			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
			if resp := decode[health.Response](t, w); resp.Status != tt.status {
				t.Errorf("Expected %s, got %s", tt.status, resp.Status)
			}
		})
	}
}

func TestHandler_Readyz_NoChecks(t *testing.T) {
	t.Parallel()
	s := newServer(t, func(cfg *RouterConfig) { cfg.HealthChecker = health.NewChecker(nil) })

	if w := s.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_CreateJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		startErr error
		code     int
		errMsg   string
	}{
		{
			name: "accepted",
			body: `{"prompt":"a cave","scene_name":"Cave"}`,
			code: http.StatusAccepted,
		},
		{
			name:   "invalid json",
			body:   "invalid json",
			code:   http.StatusBadRequest,
			errMsg: "Invalid request body",
		},
		{
			name:     "validation error",
			body:     `{"prompt":""}`,
			startErr: apperrors.Validation("prompt", "prompt is required"),
			code:     http.StatusBadRequest,
			errMsg:   "prompt is required",
		},
		{
			name:     "shutting down",
			body:     `{"prompt":"a cave","scene_name":"Cave"}`,
			startErr: apperrors.ProviderUnavailable("server is shutting down"),
			code:     http.StatusServiceUnavailable,
			errMsg:   "shutting down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t, nil)
			s.jobs.startErr = tt.startErr

			w := s.do(t, http.MethodPost, "/v1/jobs", tt.body)

			if w.Code != tt.code {
				t.Fatalf("Expected status %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if tt.errMsg != "" {
				resp := decode[map[string]string](t, w)
				if !strings.Contains(resp["error"], tt.errMsg) {
					t.Errorf("error = %q, want substring %q", resp["error"], tt.errMsg)
				}
				return
			}
			resp := decode[job.StartResponse](t, w)
			if resp.JobID != "job-1" || resp.EstimatedTime == "" {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestHandler_CreateJob_WrongContentType(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}
}

func TestHandler_JobLifecycle(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	if w := s.do(t, http.MethodPost, "/v1/jobs", `{"prompt":"a cave","scene_name":"Cave"}`); w.Code != http.StatusAccepted {
		t.Fatalf("create: status %d", w.Code)
	}

	w := s.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	if got := decode[job.Job](t, w); got.Params.SceneName != "Cave" {
		t.Errorf("get: scene = %q", got.Params.SceneName)
	}

	w = s.do(t, http.MethodGet, "/v1/jobs", "")
	if list := decode[job.ListResponse](t, w); len(list.Jobs) != 1 {
		t.Errorf("list: %d jobs", len(list.Jobs))
	}

	w = s.do(t, http.MethodDelete, "/v1/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", w.Code)
	}
	if got := decode[job.Job](t, w); got.Status != job.StateCancelled {
		t.Errorf("cancel: status = %s", got.Status)
	}

	if w = s.do(t, http.MethodDelete, "/v1/jobs/job-1", ""); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}
	if w = s.do(t, http.MethodGet, "/v1/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
}

func TestHandler_ListProviders(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	w := s.do(t, http.MethodGet, "/v1/providers", "")
	resp := decode[providersResponse](t, w)

	if resp.Active != "local" || len(resp.Providers) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_WorkerStatus(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	if w := s.do(t, http.MethodGet, "/v1/worker", ""); w.Code != http.StatusNotFound {
		t.Errorf("without worker: expected 404, got %d", w.Code)
	}

	s.jobs.worker = &supervisor.Status{State: supervisor.StateRunning, Runtime: "process", PID: 7}
	w := s.do(t, http.MethodGet, "/v1/worker", "")
	if got := decode[supervisor.Status](t, w); got.State != supervisor.StateRunning || got.PID != 7 {
		t.Errorf("unexpected worker %+v", got)
	}
}

func TestHandler_WebRTCOffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		code   int
		errMsg string
	}{
		{
			name: "nested offer",
			body: `{"offer":{"type":"offer","sdp":"v=0 offer"}}`,
			code: http.StatusOK,
		},
		{
			name: "bare description",
			body: `{"type":"offer","sdp":"v=0 offer"}`,
			code: http.StatusOK,
		},
		{
			name:   "rejected",
			body:   `{"sdp":"garbage"}`,
			err:    apperrors.Validation("offer", "expected an SDP offer"),
			code:   http.StatusBadRequest,
			errMsg: "expected an SDP offer",
		},
		{
			name:   "malformed",
			body:   `{`,
			code:   http.StatusBadRequest,
			errMsg: "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t, nil)
			s.signaler.err = tt.err

			w := s.do(t, http.MethodPost, "/webrtc-offer", tt.body)

			if w.Code != tt.code {
				t.Fatalf("Expected status %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("Expected CORS header")
			}
			resp := decode[offerResponse](t, w)
			if tt.errMsg != "" {
				if !strings.Contains(resp.Error, tt.errMsg) {
					t.Errorf("error = %q, want substring %q", resp.Error, tt.errMsg)
				}
				return
			}
			if resp.Answer == nil || resp.Answer.SDP != "v=0 answer" {
				t.Errorf("answer = %+v", resp.Answer)
			}
			if s.signaler.got.Type != webrtc.SDPTypeOffer || s.signaler.got.SDP != "v=0 offer" {
				t.Errorf("offer passed on = %+v", s.signaler.got)
			}
		})
	}
}

func TestHandler_WebRTCOffer_Disabled(t *testing.T) {
	t.Parallel()
	s := newServer(t, func(cfg *RouterConfig) { cfg.Signaling = nil })

	w := s.do(t, http.MethodPost, "/webrtc-offer", `{"sdp":"v=0"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_Socket(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)
	dispatched := make(chan connector.Message, 1)
	s.connector.SetDispatcher(connector.DispatcherFunc(func(_ *connector.Session, msg connector.Message) {
		dispatched <- msg
	}))

	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	testutil.MustWaitFor(t, s.connector.IsConnected, testutil.WithTimeout(2*time.Second), testutil.WithInterval(10*time.Millisecond))
	if kind := s.connector.ActiveKind(); kind != connector.KindDirect {
		t.Errorf("ActiveKind() = %q", kind)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","requestId":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-dispatched:
		if msg.Type != "ping" {
			t.Errorf("dispatched %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	if err := s.connector.Broadcast("map-generation-progress", map[string]int{"progress": 5}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"map-generation-progress"`)) {
		t.Errorf("unexpected frame %s", frame)
	}

	conn.Close()
	testutil.MustWaitFor(t, func() bool { return !s.connector.IsConnected() }, testutil.WithTimeout(2*time.Second), testutil.WithInterval(10*time.Millisecond))
}

func TestHandler_Artifacts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "job-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	png := testutil.PNG(t, 8, 8)
	if err := os.WriteFile(filepath.Join(dir, "job-1", "cave.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	s := newServer(t, func(cfg *RouterConfig) { cfg.ArtifactDir = dir })

	w := s.do(t, http.MethodGet, "/artifacts/job-1/cave.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), png) {
		t.Error("artifact body mismatch")
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	if w := s.do(t, http.MethodGet, "/artifacts/job-1/missing.png", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing artifact: expected 404, got %d", w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal server error") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		wantCalled  bool
	}{
		{"text/plain", false},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/jsonx", false},
		{"not a media type;;", false},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := ContentTypeMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called != tt.wantCalled {
				t.Errorf("called = %v, want %v", called, tt.wantCalled)
			}
			if !tt.wantCalled && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		preflight  bool
		wantStatus int
		wantCalled bool
	}{
		{name: "preflight", method: http.MethodOptions, preflight: true, wantStatus: http.StatusNoContent},
		{name: "plain options", method: http.MethodOptions, wantStatus: http.StatusOK, wantCalled: true},
		{name: "get", method: http.MethodGet, wantStatus: http.StatusOK, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/v1/jobs", nil)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != tt.wantCalled {
				t.Errorf("called = %v, want %v", called, tt.wantCalled)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("missing CORS header")
			}
		})
	}
}
