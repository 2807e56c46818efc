package storage

import (
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

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/testutil"
)

func TestInspect(t *testing.T) {
	t.Parallel()
	png := testutil.PNG(t, 32, 16)

	tests := []struct {
		name        string
		file        string
		data        []byte
		wantKey     string
		wantType    string
		wantWidth   int
		wantHeight  int
	}{
		{"png keeps extension", "map.png", png, "map.png", "image/png", 32, 16},
		{"png gets extension", "map", png, "map.png", "image/png", 32, 16},
		{"wrong extension fixed", "map.jpg", png, "map.png", "image/png", 32, 16},
		{"text has no dimensions", "notes.txt", []byte("hello"), "notes.txt", "text/plain; charset=utf-8", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, obj := Inspect(tt.file, tt.data)
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if obj.ContentType != tt.wantType {
				t.Errorf("content type = %q, want %q", obj.ContentType, tt.wantType)
			}
			if obj.Width != tt.wantWidth || obj.Height != tt.wantHeight {
				t.Errorf("dimensions = %dx%d, want %dx%d", obj.Width, obj.Height, tt.wantWidth, tt.wantHeight)
			}
			if obj.Size != int64(len(tt.data)) {
				t.Errorf("size = %d", obj.Size)
			}
		})
	}
}

func TestFileStore_Put(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:31415/artifacts/")
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	data := testutil.PNG(t, 8, 8)
	obj, err := store.Put(context.Background(), "job-1/cave", data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if obj.URL != "http://localhost:31415/artifacts/job-1/cave.png" {
		t.Errorf("url = %q", obj.URL)
	}
	got, err := os.ReadFile(filepath.Join(dir, "job-1", "cave.png"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if len(got) != len(data) {
		t.Errorf("stored %d bytes, want %d", len(got), len(data))
	}
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	for _, key := range []string{"", "../escape.png", "a/../../escape.png", "."} {
		if _, err := store.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Put(%q) expected error", key)
		}
	}
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := NewFileStore("  ", ""); err == nil {
		t.Error("expected error for empty base path")
	}
}

func TestRelay_Put(t *testing.T) {
	t.Parallel()
	data := testutil.PNG(t, 4, 4)

	var (
		mu        sync.Mutex
		gotPath   string
		gotSig    string
		gotType   string
		gotLength int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("Content-Type")
		gotLength = len(body)
		mu.Unlock()
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example/maps/cave.png"})
	}))
	defer srv.Close()

	relay := NewRelay(srv.URL+"/upload", "", "relay-key", 0)
	obj, err := relay.Put(context.Background(), "cave.png", data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/upload/cave.png" {
		t.Errorf("path = %q", gotPath)
	}
	if gotSig != Sign(data, "relay-key") {
		t.Errorf("signature = %q", gotSig)
	}
	if gotType != "image/png" {
		t.Errorf("content type = %q", gotType)
	}
	if gotLength != len(data) {
		t.Errorf("uploaded %d bytes, want %d", gotLength, len(data))
	}
	if obj.URL != "https://cdn.example/maps/cave.png" {
		t.Errorf("url = %q", obj.URL)
	}
}

func TestRelay_DerivedURLAndErrors(t *testing.T) {
	t.Parallel()
	status := http.StatusOK
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	relay := NewRelay(srv.URL, "https://public.example/maps", "", 0)
	obj, err := relay.Put(context.Background(), "a.png", testutil.PNG(t, 2, 2))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if obj.URL != "https://public.example/maps/a.png" {
		t.Errorf("url = %q", obj.URL)
	}

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	_, err = relay.Put(context.Background(), "b.png", testutil.PNG(t, 2, 2))
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestSign(t *testing.T) {
	t.Parallel()
	sig := Sign([]byte(`{"test":"data"}`), "secret-key")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Errorf("signature = %q", sig)
	}
	if sig != Sign([]byte(`{"test":"data"}`), "secret-key") {
		t.Error("signature should be deterministic")
	}
	if sig == Sign([]byte(`{"test":"data"}`), "different-key") {
		t.Error("different keys should produce different signatures")
	}
}
