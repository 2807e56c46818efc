package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/testutil"
)

type fakeRunPod struct {
	*httptest.Server
	status  atomic.Value // string
	cancels atomic.Int64
	auth    atomic.Value // string
	output  []byte
}

func newFakeRunPod(t *testing.T, image []byte) *fakeRunPod {
	t.Helper()
	f := &fakeRunPod{}
	f.status.Store("IN_QUEUE")
	f.auth.Store("")
	out, _ := json.Marshal(map[string]any{
		"images": []map[string]any{{
			"filename": "map.png",
			"type":     "base64",
			"data":     base64.StdEncoding.EncodeToString(image),
		}},
	})
	f.output = out

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/ep-123/run", func(w http.ResponseWriter, r *http.Request) {
		f.auth.Store(r.Header.Get("Authorization"))
		var body struct {
			Input struct {
				Workflow map[string]any `json:"workflow"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Input.Workflow) == 0 {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "IN_QUEUE"})
	})
	mux.HandleFunc("GET /v2/ep-123/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"id": r.PathValue("id"), "status": f.status.Load()}
		if f.status.Load() == "COMPLETED" {
			resp["output"] = json.RawMessage(f.output)
		}
		if f.status.Load() == "FAILED" {
			resp["error"] = "worker crashed"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /v2/ep-123/cancel/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.cancels.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "status": "CANCELLED"})
	})
	mux.HandleFunc("GET /v2/ep-123/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs":    map[string]any{"inQueue": 1, "inProgress": 0},
			"workers": map[string]any{"idle": 2, "running": 1},
		})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func TestServerless_Lifecycle(t *testing.T) {
	t.Parallel()
	img := testutil.PNG(t, 4, 4)
	fake := newFakeRunPod(t, img)
	client := NewServerless(fake.URL, "ep-123", "secret", time.Second, 0)
	ctx := context.Background()

	id, err := client.Submit(ctx, GenerationRequest{Prompt: "a cave"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "job-1" {
		t.Errorf("Submit() id = %q", id)
	}
	if got := fake.auth.Load(); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	tests := []struct {
		remote string
		want   State
	}{
		{"IN_QUEUE", StateQueued},
		{"IN_PROGRESS", StateRunning},
		{"FAILED", StateFailed},
		{"TIMED_OUT", StateFailed},
		{"CANCELLED", StateCancelled},
		{"COMPLETED", StateComplete},
	}
	for _, tt := range tests {
		fake.status.Store(tt.remote)
		st, err := client.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", tt.remote, err)
		}
		if st.State != tt.want {
			t.Errorf("Status(%s) = %s, want %s", tt.remote, st.State, tt.want)
		}
	}

	images, err := client.Images(ctx, id)
	if err != nil {
		t.Fatalf("Images() error = %v", err)
	}
	data, err := client.Download(ctx, images[0])
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Error("Download() returned unexpected bytes")
	}
}

func TestServerless_CancelAndProbe(t *testing.T) {
	t.Parallel()
	fake := newFakeRunPod(t, testutil.PNG(t, 2, 2))
	client := NewServerless(fake.URL, "ep-123", "secret", time.Second, 0)
	ctx := context.Background()

	if err := client.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if fake.cancels.Load() != 1 {
		t.Errorf("cancels = %d, want 1", fake.cancels.Load())
	}

	info, err := client.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info != "workers idle=2 running=1, jobs queued=1" {
		t.Errorf("Probe() = %q", info)
	}
}

func TestParseServerlessOutput(t *testing.T) {
	t.Parallel()
	raw := []byte("png-bytes")
	encoded := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		output  string
		wantURL string
		wantErr bool
	}{
		{"images base64", `{"images":[{"filename":"a.png","type":"base64","data":"` + encoded + `"}]}`, "", false},
		{"images url", `{"images":[{"filename":"a.png","type":"s3_url","data":"https://bucket/a.png"}]}`, "https://bucket/a.png", false},
		{"message data uri", `{"message":"data:image/png;base64,` + encoded + `"}`, "", false},
		{"message url", `{"message":"https://cdn/a.png"}`, "https://cdn/a.png", false},
		{"empty", `null`, "", true},
		{"no images", `{}`, "", true},
		{"bad base64", `{"message":"!!!"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			images, err := parseServerlessOutput(json.RawMessage(tt.output))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if images[0].URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", images[0].URL, tt.wantURL)
			}
			if tt.wantURL == "" && !bytes.Equal(images[0].Data, raw) {
				t.Errorf("Data = %q, want %q", images[0].Data, raw)
			}
		})
	}
}
