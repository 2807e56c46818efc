package job

// Broadcast types sent to the connected peer.
const (
	EventProgress  = "map-generation-progress"
	EventComplete  = "map-generation-complete"
	EventFailed    = "map-generation-failed"
	EventCancelled = "map-generation-cancelled"
)

// Broadcaster delivers events to the connected peer.
type Broadcaster interface {
	Broadcast(eventType string, data any) error
}

// ProgressEvent reports a milestone.
type ProgressEvent struct {
	JobID    string `json:"jobId"`
	Status   State  `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
}

// CoalesceKey lets a queued progress update be replaced by a newer one for
// the same job.
func (e ProgressEvent) CoalesceKey() string { return e.JobID }

// CompleteEvent carries the result of a finished job.
type CompleteEvent struct {
	JobID  string  `json:"jobId"`
	Result *Result `json:"result"`
}

// FailedEvent carries the stored error of a failed or expired job.
type FailedEvent struct {
	JobID  string `json:"jobId"`
	Status State  `json:"status"`
	Error  string `json:"error"`
}

// CancelledEvent reports a cancellation.
type CancelledEvent struct {
	JobID string `json:"jobId"`
}

// eventFor builds the terminal broadcast for a job snapshot.
func eventFor(j *Job) (string, any) {
	switch j.Status {
	case StateComplete:
		return EventComplete, CompleteEvent{JobID: j.ID, Result: j.Result}
	case StateCancelled:
		return EventCancelled, CancelledEvent{JobID: j.ID}
	case StateFailed:
		return EventFailed, FailedEvent{JobID: j.ID, Status: j.Status, Error: j.Error}
	case StateExpired:
		// Error stays empty on expired jobs; the stage carries the reason.
		return EventFailed, FailedEvent{JobID: j.ID, Status: j.Status, Error: j.Stage}
	}
	return EventProgress, ProgressEvent{JobID: j.ID, Status: j.Status, Progress: j.Progress, Stage: j.Stage}
}
