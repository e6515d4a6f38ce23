package api

import (
	"time"

	"pdxseg/internal/jobs"
	"pdxseg/internal/preflight"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Health is the liveness payload.
type Health struct {
	Status string `json:"status"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	CatalogPath  string             `json:"catalog_path"`
	LockFilePath string             `json:"lock_file_path"`
	StorageDir   string             `json:"storage_dir"`
	Backend      string             `json:"backend"`
	Jobs         map[string]int     `json:"jobs"`
	Checks       []preflight.Result `json:"checks"`
}

// IngestRequest registers a directory of slices in place.
type IngestRequest struct {
	Path string `json:"path"`
}

// StudyResponse is returned by ingest and upload.
type StudyResponse struct {
	StudyID string   `json:"study_id"`
	Files   []string `json:"files"`
}

// StartRequest starts a segmentation job.
type StartRequest struct {
	StudyID   string  `json:"study_id"`
	Threshold float64 `json:"threshold,omitempty"`
	Model     string  `json:"model,omitempty"`
}

// StartResponse carries the new job id.
type StartResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus is the polled view of a job.
type JobStatus struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Error     string  `json:"error,omitempty"`
	StudyID   string  `json:"study_id,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// JobListResponse wraps every known job in creation order.
type JobListResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// ResegmentRequest asks for targeted re-segmentation.
type ResegmentRequest struct {
	StudyID string `json:"study_id"`
	Slices  []int  `json:"slices"`
}

// ResegmentResponse lists the slices whose masks were replaced.
type ResegmentResponse struct {
	StudyID       string `json:"study_id"`
	UpdatedSlices []int  `json:"updated_slices"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromJob converts a registry snapshot into its wire form.
func FromJob(job jobs.Job) JobStatus {
	return JobStatus{
		JobID:     job.ID,
		Status:    string(job.Status),
		Progress:  job.Progress,
		Error:     job.Error,
		StudyID:   job.Payload.StudyID,
		Threshold: job.Payload.Threshold,
		CreatedAt: formatTime(job.CreatedAt),
		UpdatedAt: formatTime(job.UpdatedAt),
	}
}

// FromJobs converts a job list.
func FromJobs(list []jobs.Job) []JobStatus {
	out := make([]JobStatus, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	return out
}

// CountByStatus tallies jobs per status.
func CountByStatus(list []jobs.Job) map[string]int {
	counts := make(map[string]int)
	for _, job := range list {
		counts[string(job.Status)]++
	}
	return counts
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
