package controlplane

import (
	"context"
	"encoding/json"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
)

// Tool names.
const (
	ToolGenerateMap      = "generate-map"
	ToolCheckMapStatus   = "check-map-status"
	ToolCancelMapJob     = "cancel-map-job"
	ToolListMapJobs      = "list-map-jobs"
	ToolProviderStatus   = "get-provider-status"
	ToolStartLocalWorker = "start-local-worker"
	ToolStopLocalWorker  = "stop-local-worker"
)

// Jobs is the job API the tools call.
type Jobs interface {
	StartJob(ctx context.Context, req *job.Request) (*job.StartResponse, error)
	GetJob(id string) (*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs() *job.ListResponse
	StartWorker(ctx context.Context) (supervisor.Status, error)
	StopWorker(ctx context.Context) (supervisor.Status, error)
	WorkerStatus() (supervisor.Status, bool)
}

// Providers reports provider health.
type Providers interface {
	Statuses() []provider.Status
	ActiveName() string
}

// PeerState reports whether the game client is connected.
type PeerState interface {
	IsConnected() bool
}

// RegisterTools adds the map generation tools to s. providers and peer may
// be nil.
func RegisterTools(s *Server, jobs Jobs, providers Providers, peer PeerState) {
	s.Register(Tool{
		Name:        ToolGenerateMap,
		Description: "Start generating a battle map image. Returns a job id; poll check-map-status for the result.",
		InputSchema: objectSchema(map[string]any{
			"prompt":     stringProp("Description of the map to generate"),
			"scene_name": stringProp("Name of the scene to create"),
			"size":       enumProp("Image size class", string(job.SizeSmall), string(job.SizeMedium), string(job.SizeLarge)),
			"grid_size":  map[string]any{"type": "integer", "minimum": 50, "maximum": 200, "description": "Pixels per grid square"},
			"style":      stringProp("Art style, defaults to fantasy"),
			"provider":   stringProp("Provider name to use instead of the active one"),
		}, "prompt", "scene_name"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var req job.Request
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return jobs.StartJob(ctx, &req)
		},
	})

	s.Register(Tool{
		Name:        ToolCheckMapStatus,
		Description: "Get the status, progress and result of a map generation job.",
		InputSchema: objectSchema(map[string]any{"jobId": stringProp("Job id returned by generate-map")}, "jobId"),
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			id, err := jobID(args)
			if err != nil {
				return nil, err
			}
			return jobs.GetJob(id)
		},
	})

	s.Register(Tool{
		Name:        ToolCancelMapJob,
		Description: "Cancel a queued or running map generation job.",
		InputSchema: objectSchema(map[string]any{"jobId": stringProp("Job id to cancel")}, "jobId"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			id, err := jobID(args)
			if err != nil {
				return nil, err
			}
			return jobs.CancelJob(ctx, id)
		},
	})

	s.Register(Tool{
		Name:        ToolListMapJobs,
		Description: "List known map generation jobs, newest first.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return jobs.ListJobs(), nil
		},
	})

	s.Register(Tool{
		Name:        ToolProviderStatus,
		Description: "Report image provider health, the local worker and the game client connection.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return providerStatus(jobs, providers, peer), nil
		},
	})

	s.Register(Tool{
		Name:        ToolStartLocalWorker,
		Description: "Start the local ComfyUI worker and wait until it answers.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return jobs.StartWorker(ctx)
		},
	})

	s.Register(Tool{
		Name:        ToolStopLocalWorker,
		Description: "Stop the local ComfyUI worker.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return jobs.StopWorker(ctx)
		},
	})
}

// StatusReport is the get-provider-status result.
type StatusReport struct {
	ActiveProvider string             `json:"activeProvider,omitempty"`
	Providers      []provider.Status  `json:"providers"`
	Worker         *supervisor.Status `json:"worker,omitempty"`
	PeerConnected  bool               `json:"peerConnected"`
}

func providerStatus(jobs Jobs, providers Providers, peer PeerState) StatusReport {
	r := StatusReport{Providers: []provider.Status{}}
	if providers != nil {
		r.ActiveProvider = providers.ActiveName()
		r.Providers = providers.Statuses()
	}
	if st, ok := jobs.WorkerStatus(); ok {
		r.Worker = &st
	}
	if peer != nil {
		r.PeerConnected = peer.IsConnected()
	}
	return r
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return apperrors.Validation("args", "invalid arguments: "+err.Error())
	}
	return nil
}

func jobID(args json.RawMessage) (string, error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if p.JobID == "" {
		return "", apperrors.Validation("jobId", "jobId is required")
	}
	return p.JobID, nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}
