package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
)

// ComfyUI speaks the ComfyUI HTTP API used by both local and remote workers.
type ComfyUI struct {
	http     *httpClient
	clientID string
}

var _ Client = (*ComfyUI)(nil)

// NewComfyUI creates a client for a ComfyUI server at baseURL.
func NewComfyUI(baseURL string, timeout time.Duration, retries int) *ComfyUI {
	return &ComfyUI{
		http:     newHTTPClient(baseURL, timeout, retries),
		clientID: uuid.NewString(),
	}
}

type comfyPromptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type comfyPromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type comfyHistoryEntry struct {
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// Each queue entry is [number, prompt_id, prompt, extra_data, outputs_to_execute].
type comfyQueue struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

type comfySystemStats struct {
	System struct {
		ComfyUIVersion string `json:"comfyui_version"`
	} `json:"system"`
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

// Submit queues the workflow and returns the prompt id.
func (c *ComfyUI) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	body := comfyPromptRequest{Prompt: BuildWorkflow(req), ClientID: c.clientID}
	var resp comfyPromptResponse
	if err := c.http.doJSON(ctx, "comfyui.submit", http.MethodPost, "/prompt", body, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", apperrors.Internal("comfyui.submit", fmt.Errorf("no prompt_id in response: %s", resp.NodeErrors))
	}
	return resp.PromptID, nil
}

// Status checks history first, then the queue. A prompt found in neither is
// reported as failed.
func (c *ComfyUI) Status(ctx context.Context, promptID string) (JobStatus, error) {
	entry, found, err := c.history(ctx, promptID)
	if err != nil {
		return JobStatus{}, err
	}
	if found {
		switch {
		case entry.Status.StatusStr == "error":
			return JobStatus{State: StateFailed, Error: historyError(entry)}, nil
		case entry.Status.StatusStr == "success" || entry.Status.Completed:
			return JobStatus{State: StateComplete}, nil
		}
	}

	queue, err := c.queue(ctx)
	if err != nil {
		return JobStatus{}, err
	}
	switch {
	case queueContains(queue.Running, promptID):
		return JobStatus{State: StateRunning}, nil
	case queueContains(queue.Pending, promptID):
		return JobStatus{State: StateQueued}, nil
	case found:
		// In history without a verdict yet; execution is finishing up.
		return JobStatus{State: StateRunning}, nil
	}
	return JobStatus{State: StateFailed, Error: "prompt not found in history or queue"}, nil
}

// Images lists the saved outputs of a completed prompt in node order.
func (c *ComfyUI) Images(ctx context.Context, promptID string) ([]Image, error) {
	entry, found, err := c.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NotFound("prompt", promptID)
	}

	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	var images []Image
	for _, id := range nodes {
		for _, img := range entry.Outputs[id].Images {
			if img.Type != "" && img.Type != "output" {
				continue
			}
			images = append(images, Image{Filename: img.Filename, Subfolder: img.Subfolder, Type: img.Type})
		}
	}
	return images, nil
}

// Download fetches an output through /view.
func (c *ComfyUI) Download(ctx context.Context, img Image) ([]byte, error) {
	if len(img.Data) > 0 {
		return img.Data, nil
	}
	typ := img.Type
	if typ == "" {
		typ = "output"
	}
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", typ)
	return c.http.fetch(ctx, "comfyui.download", "/view?"+q.Encode())
}

// Cancel removes a pending prompt from the queue or interrupts it when running.
// A prompt that already left the queue is left alone.
func (c *ComfyUI) Cancel(ctx context.Context, promptID string) error {
	queue, err := c.queue(ctx)
	if err != nil {
		return err
	}
	switch {
	case queueContains(queue.Pending, promptID):
		body := map[string]any{"delete": []string{promptID}}
		return c.http.doJSON(ctx, "comfyui.dequeue", http.MethodPost, "/queue", body, nil)
	case queueContains(queue.Running, promptID):
		return c.http.doJSON(ctx, "comfyui.interrupt", http.MethodPost, "/interrupt", map[string]any{}, nil)
	}
	return nil
}

// Probe reads /system_stats and reports the first device.
func (c *ComfyUI) Probe(ctx context.Context) (string, error) {
	var stats comfySystemStats
	if err := c.http.doJSON(ctx, "comfyui.probe", http.MethodGet, "/system_stats", nil, &stats); err != nil {
		return "", err
	}
	if len(stats.Devices) == 0 {
		return "", nil
	}
	d := stats.Devices[0]
	if d.VRAMTotal > 0 {
		return fmt.Sprintf("%s (%d MiB VRAM)", d.Name, d.VRAMTotal>>20), nil
	}
	return d.Name, nil
}

func (c *ComfyUI) history(ctx context.Context, promptID string) (comfyHistoryEntry, bool, error) {
	var hist map[string]comfyHistoryEntry
	if err := c.http.doJSON(ctx, "comfyui.history", http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &hist); err != nil {
		return comfyHistoryEntry{}, false, err
	}
	entry, ok := hist[promptID]
	return entry, ok, nil
}

func (c *ComfyUI) queue(ctx context.Context) (comfyQueue, error) {
	var q comfyQueue
	err := c.http.doJSON(ctx, "comfyui.queue", http.MethodGet, "/queue", nil, &q)
	return q, err
}

func queueContains(entries [][]json.RawMessage, promptID string) bool {
	for _, e := range entries {
		if len(e) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(e[1], &id) == nil && id == promptID {
			return true
		}
	}
	return false
}

// historyError extracts the exception message from an execution_error event.
func historyError(entry comfyHistoryEntry) string {
	for _, msg := range entry.Status.Messages {
		if len(msg) < 2 || msg[0] != "execution_error" {
			continue
		}
		if detail, ok := msg[1].(map[string]any); ok {
			if text, ok := detail["exception_message"].(string); ok && text != "" {
				return text
			}
		}
	}
	return "workflow execution failed"
}
