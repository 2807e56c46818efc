package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Serverless speaks the RunPod-style queue API:
// POST /v2/{endpoint}/run, GET /status/{id}, POST /cancel/{id}, GET /health.
type Serverless struct {
	http *httpClient
}

var _ Client = (*Serverless)(nil)

// NewServerless creates a client for one serverless endpoint.
func NewServerless(baseURL, endpointID, apiKey string, timeout time.Duration, retries int) *Serverless {
	c := newHTTPClient(strings.TrimRight(baseURL, "/")+"/v2/"+url.PathEscape(endpointID), timeout, retries)
	c.header.Set("Authorization", "Bearer "+apiKey)
	return &Serverless{http: c}
}

type serverlessRunRequest struct {
	Input struct {
		Workflow map[string]any `json:"workflow"`
	} `json:"input"`
}

type serverlessJob struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type serverlessHealth struct {
	Jobs struct {
		InQueue    int `json:"inQueue"`
		InProgress int `json:"inProgress"`
	} `json:"jobs"`
	Workers struct {
		Idle    int `json:"idle"`
		Running int `json:"running"`
	} `json:"workers"`
}

// Submit starts a run and returns its id.
func (s *Serverless) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	var body serverlessRunRequest
	body.Input.Workflow = BuildWorkflow(req)

	var job serverlessJob
	if err := s.http.doJSON(ctx, "serverless.submit", http.MethodPost, "/run", body, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", fmt.Errorf("serverless.submit: no job id in response")
	}
	return job.ID, nil
}

// Status maps the queue status onto provider states.
func (s *Serverless) Status(ctx context.Context, id string) (JobStatus, error) {
	job, err := s.job(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	switch job.Status {
	case "IN_QUEUE":
		return JobStatus{State: StateQueued}, nil
	case "IN_PROGRESS":
		return JobStatus{State: StateRunning}, nil
	case "COMPLETED":
		return JobStatus{State: StateComplete}, nil
	case "CANCELLED":
		return JobStatus{State: StateCancelled}, nil
	case "TIMED_OUT":
		return JobStatus{State: StateFailed, Error: "serverless job timed out"}, nil
	case "FAILED":
		msg := job.Error
		if msg == "" {
			msg = "serverless job failed"
		}
		return JobStatus{State: StateFailed, Error: msg}, nil
	}
	return JobStatus{State: StateQueued}, nil
}

// Images decodes the output of a completed run. Workers return either an
// images list with base64 or URL entries, or a single message string.
func (s *Serverless) Images(ctx context.Context, id string) ([]Image, error) {
	job, err := s.job(ctx, id)
	if err != nil {
		return nil, err
	}
	return parseServerlessOutput(job.Output)
}

// Download returns inline data or fetches a URL output.
func (s *Serverless) Download(ctx context.Context, img Image) ([]byte, error) {
	if len(img.Data) > 0 {
		return img.Data, nil
	}
	if img.URL == "" {
		return nil, fmt.Errorf("serverless.download: image %q has neither data nor url", img.Filename)
	}
	return s.http.fetch(ctx, "serverless.download", img.URL)
}

// Cancel asks the queue to drop or stop the run.
func (s *Serverless) Cancel(ctx context.Context, id string) error {
	return s.http.doJSON(ctx, "serverless.cancel", http.MethodPost, "/cancel/"+url.PathEscape(id), nil, nil)
}

// Probe reads the endpoint health summary.
func (s *Serverless) Probe(ctx context.Context) (string, error) {
	var h serverlessHealth
	if err := s.http.doJSON(ctx, "serverless.probe", http.MethodGet, "/health", nil, &h); err != nil {
		return "", err
	}
	return fmt.Sprintf("workers idle=%d running=%d, jobs queued=%d", h.Workers.Idle, h.Workers.Running, h.Jobs.InQueue), nil
}

func (s *Serverless) job(ctx context.Context, id string) (serverlessJob, error) {
	var job serverlessJob
	err := s.http.doJSON(ctx, "serverless.status", http.MethodGet, "/status/"+url.PathEscape(id), nil, &job)
	return job, err
}

func parseServerlessOutput(raw json.RawMessage) ([]Image, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("serverless output is empty")
	}

	var out struct {
		Images []struct {
			Filename string `json:"filename"`
			Type     string `json:"type"`
			Data     string `json:"data"`
		} `json:"images"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode serverless output: %w", err)
	}

	var images []Image
	for i, img := range out.Images {
		name := img.Filename
		if name == "" {
			name = fmt.Sprintf("output_%d.png", i)
		}
		parsed, err := imageFromPayload(name, img.Type, img.Data)
		if err != nil {
			return nil, err
		}
		images = append(images, parsed)
	}
	if len(images) == 0 && out.Message != "" {
		parsed, err := imageFromPayload("output.png", "", out.Message)
		if err != nil {
			return nil, err
		}
		images = append(images, parsed)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("serverless output has no images")
	}
	return images, nil
}

func imageFromPayload(name, typ, payload string) (Image, error) {
	if typ == "s3_url" || strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		return Image{Filename: name, Type: typ, URL: payload}, nil
	}
	if i := strings.Index(payload, ";base64,"); i >= 0 {
		payload = payload[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decode image %s: %w", name, err)
	}
	return Image{Filename: name, Type: "base64", Data: data}, nil
}
