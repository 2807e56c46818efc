package job

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
)

// Store keeps jobs in memory for the lifetime of the process.
//
// Every mutation is checked against the lifecycle: terminal jobs never
// change, and progress never moves backwards.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create adds a queued job and returns a snapshot of it.
func (s *Store) Create(req Request) *Job {
	j := &Job{
		ID:        uuid.NewString(),
		Params:    req,
		Status:    StateQueued,
		Stage:     "queued",
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j.clone()
}

// Get returns a snapshot of one job.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.clone(), nil
}

// List returns snapshots of all jobs, newest first.
func (s *Store) List() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Start moves a queued job to started.
func (s *Store) Start(id string) error {
	return s.update(id, func(j *Job) error {
		if j.Status != StateQueued {
			return transitionError(j, StateStarted)
		}
		j.Status = StateStarted
		j.StartedAt = s.now()
		return nil
	})
}

// Progress records a milestone. Lower percentages than the current one are
// ignored so progress stays non-decreasing.
func (s *Store) Progress(id string, percent int, stage string) (bool, error) {
	advanced := false
	err := s.update(id, func(j *Job) error {
		if j.Status.Terminal() {
			return transitionError(j, j.Status)
		}
		percent = min(max(percent, 0), 100)
		if percent < j.Progress {
			return nil
		}
		advanced = percent > j.Progress || stage != j.Stage
		j.Progress = percent
		j.Stage = stage
		return nil
	})
	return advanced, err
}

// SetProvider records which provider is handling the job.
func (s *Store) SetProvider(id, name string) error {
	return s.update(id, func(j *Job) error {
		if j.Status.Terminal() {
			return transitionError(j, j.Status)
		}
		j.Provider = name
		return nil
	})
}

// SetRemote records the provider-side id of the job.
func (s *Store) SetRemote(id, provider, remoteID string) error {
	return s.update(id, func(j *Job) error {
		if j.Status.Terminal() {
			return transitionError(j, j.Status)
		}
		j.Provider = provider
		j.RemoteID = remoteID
		return nil
	})
}

// Complete stores the result of a started job.
func (s *Store) Complete(id string, result *Result) error {
	return s.update(id, func(j *Job) error {
		if j.Status != StateStarted {
			return transitionError(j, StateComplete)
		}
		j.Status = StateComplete
		j.Progress = 100
		j.Stage = "complete"
		j.Result = result
		j.CompletedAt = s.now()
		return nil
	})
}

// Fail records an error on a started job.
func (s *Store) Fail(id, message string) error {
	return s.update(id, func(j *Job) error {
		if j.Status != StateStarted {
			return transitionError(j, StateFailed)
		}
		j.Status = StateFailed
		j.Stage = "failed"
		j.Error = message
		j.CompletedAt = s.now()
		return nil
	})
}

// Cancel cancels a queued or started job and returns the snapshot taken at
// the moment of cancellation.
func (s *Store) Cancel(id string) (*Job, error) {
	var snap *Job
	err := s.update(id, func(j *Job) error {
		if j.Status != StateQueued && j.Status != StateStarted {
			return transitionError(j, StateCancelled)
		}
		j.Status = StateCancelled
		j.Stage = "cancelled"
		j.CompletedAt = s.now()
		snap = j.clone()
		return nil
	})
	return snap, err
}

// Sweep expires active jobs created before now-maxAge and evicts terminal
// jobs that finished before now-retention. A zero duration disables that half.
func (s *Store) Sweep(retention, maxAge time.Duration) (expired []string, evicted int) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		switch {
		case !j.Status.Terminal():
			if maxAge > 0 && now.Sub(j.CreatedAt) > maxAge {
				j.Status = StateExpired
				j.Stage = fmt.Sprintf("expired after exceeding maximum age of %s", maxAge)
				j.CompletedAt = now
				expired = append(expired, id)
			}
		case retention > 0 && now.Sub(j.CompletedAt) > retention:
			delete(s.jobs, id)
			evicted++
		}
	}
	return expired, evicted
}

func (s *Store) update(id string, fn func(j *Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	return fn(j)
}

func transitionError(j *Job, to State) error {
	if j.Status.Terminal() {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s is already %s", j.ID, j.Status))
	}
	return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.Status, to))
}

func (j *Job) clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}
