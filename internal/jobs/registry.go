// Package jobs tracks the lifecycle of segmentation jobs in memory.
//
// A job is created pending, may move to running, and ends in exactly one
// terminal state (done or error). Terminal states are never reverted and
// records are never evicted.
package jobs

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdxseg/internal/services"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Payload records the parameters a job was started with.
type Payload struct {
	StudyID   string  `json:"study_id"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model,omitempty"`
}

// Result is what a finished job leaves behind for the result assembler.
type Result struct {
	StudyID             string `json:"study_id"`
	ClassificationFlags []bool `json:"classification_flags"`
}

// Job is a snapshot of a job record.
type Job struct {
	ID        string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Payload   Payload   `json:"payload"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is a concurrency-safe job table. All mutations happen under one lock.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  map[string]uint64
	next uint64
	now  func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
		now:  time.Now,
	}
}

// Create records a new pending job and returns its id.
func (r *Registry) Create(payload Payload) string {
	id := uuid.NewString()
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &Job{
		ID:        id,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.seq[id] = r.next
	r.next++
	return id
}

// SetRunning moves a pending job to running. Other states are left untouched.
func (r *Registry) SetRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != StatusPending {
		return
	}
	job.Status = StatusRunning
	job.UpdatedAt = r.now().UTC()
}

// SetProgress records completion percentage for a running job, clamped to 0..100.
func (r *Registry) SetProgress(id string, percent int) {
	percent = min(max(percent, 0), 100)
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != StatusRunning {
		return
	}
	job.Progress = percent
	job.UpdatedAt = r.now().UTC()
}

// SetDone finishes a job successfully. It reports false when the job is
// unknown or already terminal.
func (r *Registry) SetDone(id string, result Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	result.ClassificationFlags = slices.Clone(result.ClassificationFlags)
	job.Status = StatusDone
	job.Progress = 100
	job.Result = &result
	job.UpdatedAt = r.now().UTC()
	return true
}

// SetError fails a job. It reports false when the job is unknown or already terminal.
func (r *Registry) SetError(id string, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = StatusError
	job.Error = message
	job.UpdatedAt = r.now().UTC()
	return true
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, services.Wrap(services.ErrNotFound, "jobs", "get", fmt.Sprintf("job %q", id), nil)
	}
	return snapshot(job), nil
}

// List returns snapshots of every job in creation order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, snapshot(job))
	}
	slices.SortFunc(out, func(a, b Job) int {
		return cmp.Compare(r.seq[a.ID], r.seq[b.ID])
	})
	return out
}

func snapshot(job *Job) Job {
	out := *job
	if job.Result != nil {
		res := *job.Result
		res.ClassificationFlags = slices.Clone(job.Result.ClassificationFlags)
		out.Result = &res
	}
	return out
}
