package job

import "time"

// State is the lifecycle state of a job.
type State string

// Job states
const (
	StateQueued    State = "queued"
	StateStarted   State = "started"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Size is the artifact size class.
type Size string

// Size classes
const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

// Pixels returns the square edge length of the size class, or 0 if unknown.
func (s Size) Pixels() int {
	switch s {
	case SizeSmall:
		return 1024
	case SizeMedium:
		return 1536
	case SizeLarge:
		return 2048
	}
	return 0
}

// estimatedTime is what callers are told to expect per size class.
func (s Size) estimatedTime() string {
	switch s {
	case SizeSmall:
		return "30-60 seconds"
	case SizeLarge:
		return "2-4 minutes"
	default:
		return "1-2 minutes"
	}
}

// Request is a map generation request.
type Request struct {
	Prompt    string `json:"prompt"`
	SceneName string `json:"scene_name"`
	Size      Size   `json:"size,omitempty"`
	GridSize  int    `json:"grid_size,omitempty"`
	Style     string `json:"style,omitempty"`
	Provider  string `json:"provider,omitempty"` // Explicit provider override
}

// StartResponse is returned when a job is accepted.
type StartResponse struct {
	JobID         string `json:"jobId"`
	EstimatedTime string `json:"estimatedTime"`
}

// Job is a snapshot of one tracked generation.
type Job struct {
	ID          string    `json:"id"`
	Params      Request   `json:"params"`
	Status      State     `json:"status"`
	Progress    int       `json:"progress_percent"`
	Stage       string    `json:"stage,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	RemoteID    string    `json:"remote_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// ListResponse wraps a job listing.
type ListResponse struct {
	Jobs []*Job `json:"jobs"`
}

// Result is the payload of a completed job.
type Result struct {
	ImageURL     string       `json:"image_url"`
	Filename     string       `json:"filename"`
	ContentType  string       `json:"content_type"`
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	Provider     string       `json:"provider"`
	ScenePayload ScenePayload `json:"foundry_scene_payload"`
}

// ScenePayload is the scene document the tabletop creates from a result.
type ScenePayload struct {
	Name       string     `json:"name"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Padding    float64    `json:"padding"`
	Grid       SceneGrid  `json:"grid"`
	Background Background `json:"background"`
}

// SceneGrid describes the square grid overlay.
type SceneGrid struct {
	Size     int     `json:"size"`
	Type     int     `json:"type"`
	Distance float64 `json:"distance"`
	Units    string  `json:"units"`
}

// Background points at the generated image.
type Background struct {
	Src string `json:"src"`
}

// Scene grid defaults
const (
	gridTypeSquare  = 1
	gridDistance    = 5
	gridUnits       = "ft"
	scenePadding    = 0.25
	defaultGridSize = 100
)
