package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Prompt states tracked by FakeComfyUI.
const (
	PromptPending     = "pending"
	PromptRunning     = "running"
	PromptDone        = "done"
	PromptError       = "error"
	PromptInterrupted = "interrupted"
)

// FakeComfyUI is an in-process ComfyUI server covering the endpoints the
// backend client uses.
type FakeComfyUI struct {
	*httptest.Server

	Submits    atomic.Int64
	Interrupts atomic.Int64
	Deletes    atomic.Int64
	Probes     atomic.Int64

	mu           sync.Mutex
	prompts      map[string]string
	order        []string
	initialState string
	submitStatus int
	probeStatus  int
	image        []byte
	lastWorkflow map[string]any
}

// NewFakeComfyUI starts a fake server that completes prompts immediately.
// The server is closed when the test ends.
func NewFakeComfyUI(tb testing.TB) *FakeComfyUI {
	tb.Helper()
	f := &FakeComfyUI{
		prompts:      make(map[string]string),
		initialState: PromptDone,
		image:        PNG(tb, 8, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", f.handlePrompt)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("GET /queue", f.handleQueue)
	mux.HandleFunc("POST /queue", f.handleQueueDelete)
	mux.HandleFunc("POST /interrupt", f.handleInterrupt)
	mux.HandleFunc("GET /view", f.handleView)
	mux.HandleFunc("GET /system_stats", f.handleSystemStats)

	f.Server = httptest.NewServer(mux)
	tb.Cleanup(f.Close)
	return f
}

// HoldAt sets the state new prompts start in (PromptPending or PromptRunning
// keep them in the queue until SetState is called).
func (f *FakeComfyUI) HoldAt(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialState = state
}

// FailSubmit makes POST /prompt answer with the given HTTP status (0 restores).
func (f *FakeComfyUI) FailSubmit(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitStatus = status
}

// FailProbe makes GET /system_stats answer with the given HTTP status (0 restores).
func (f *FakeComfyUI) FailProbe(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeStatus = status
}

// SetState moves a prompt to a new state.
func (f *FakeComfyUI) SetState(promptID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[promptID] = state
}

// State returns the state of a prompt.
func (f *FakeComfyUI) State(promptID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[promptID]
}

// LastPromptID returns the most recently submitted prompt id.
func (f *FakeComfyUI) LastPromptID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return ""
	}
	return f.order[len(f.order)-1]
}

// LastWorkflow returns the most recently submitted graph.
func (f *FakeComfyUI) LastWorkflow() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWorkflow
}

// Image returns the bytes served by /view.
func (f *FakeComfyUI) Image() []byte {
	return f.image
}

func (f *FakeComfyUI) handlePrompt(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.submitStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "submit rejected", status)
		return
	}

	var body struct {
		Prompt   map[string]any `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Prompt) == 0 {
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
		return
	}

	n := f.Submits.Add(1)
	id := fmt.Sprintf("prompt-%d", n)

	f.mu.Lock()
	f.prompts[id] = f.initialState
	f.order = append(f.order, id)
	f.lastWorkflow = body.Prompt
	f.mu.Unlock()

	writeJSON(w, map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})
}

func (f *FakeComfyUI) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state := f.State(id)

	switch state {
	case PromptDone:
		writeJSON(w, map[string]any{id: map[string]any{
			"status": map[string]any{"status_str": "success", "completed": true},
			"outputs": map[string]any{"9": map[string]any{"images": []map[string]any{
				{"filename": "battlemap_00001_.png", "subfolder": "", "type": "output"},
			}}},
		}})
	case PromptError:
		writeJSON(w, map[string]any{id: map[string]any{
			"status": map[string]any{
				"status_str": "error",
				"completed":  false,
				"messages": []any{
					[]any{"execution_error", map[string]any{"exception_message": "out of memory"}},
				},
			},
			"outputs": map[string]any{},
		}})
	default:
		writeJSON(w, map[string]any{})
	}
}

func (f *FakeComfyUI) handleQueue(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	running := [][]any{}
	pending := [][]any{}
	for i, id := range f.order {
		switch f.prompts[id] {
		case PromptRunning:
			running = append(running, []any{i, id, map[string]any{}, map[string]any{}, []string{"9"}})
		case PromptPending:
			pending = append(pending, []any{i, id, map[string]any{}, map[string]any{}, []string{"9"}})
		}
	}
	f.mu.Unlock()

	writeJSON(w, map[string]any{"queue_running": running, "queue_pending": pending})
}

func (f *FakeComfyUI) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delete []string `json:"delete"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.Deletes.Add(1)

	f.mu.Lock()
	for _, id := range body.Delete {
		if f.prompts[id] == PromptPending {
			f.prompts[id] = PromptInterrupted
		}
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *FakeComfyUI) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	f.Interrupts.Add(1)

	f.mu.Lock()
	for id, state := range f.prompts {
		if state == PromptRunning {
			f.prompts[id] = PromptInterrupted
		}
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *FakeComfyUI) handleView(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Query().Get("filename"), "battlemap_") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(f.image)
}

func (f *FakeComfyUI) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	f.Probes.Add(1)
	f.mu.Lock()
	status := f.probeStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	writeJSON(w, map[string]any{
		"system":  map[string]any{"comfyui_version": "0.3.40"},
		"devices": []map[string]any{{"name": "cuda:0 NVIDIA GeForce RTX 4090", "type": "cuda", "vram_total": int64(24) << 30, "vram_free": int64(20) << 30}},
	})
}

// PNG encodes a solid width x height image.
func PNG(tb testing.TB, width, height int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 90, G: 70, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
