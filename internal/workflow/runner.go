package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"pdxseg/internal/config"
	"pdxseg/internal/inference"
	"pdxseg/internal/jobs"
	"pdxseg/internal/logging"
	"pdxseg/internal/notifications"
	"pdxseg/internal/pipeline"
	"pdxseg/internal/results"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
)

// StudyLookup resolves study metadata.
type StudyLookup interface {
	Info(ctx context.Context, studyID string) (*studies.Info, error)
}

// ModelProvider hands out cached model handles by weights id.
type ModelProvider interface {
	Classifier(ctx context.Context, weightsID string) (inference.Classifier, error)
	Segmenter(ctx context.Context, weightsID string) (inference.Segmenter, error)
}

// ResultSource assembles the result of a finished job.
type ResultSource interface {
	Assemble(ctx context.Context, jobID string) (*results.Result, error)
}

// StartRequest parameterizes a job. A non-positive Threshold selects the
// configured default; Model overrides the segmenter weights id.
type StartRequest struct {
	StudyID   string  `json:"study_id"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model,omitempty"`
}

// Runner executes segmentation jobs on a bounded pool.
type Runner struct {
	registry *jobs.Registry
	studies  StudyLookup
	models   ModelProvider
	pipeline *pipeline.Pipeline
	notifier notifications.Service
	results  ResultSource
	logger   *slog.Logger

	classifierID     string
	segmenterID      string
	defaultThreshold float64

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// RunnerOption configures optional Runner behavior.
type RunnerOption func(*Runner)

// WithNotifier overrides the notification service built from config.
func WithNotifier(n notifications.Service) RunnerOption {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithResults lets the runner report the measured volume when a job completes.
func WithResults(src ResultSource) RunnerOption {
	return func(r *Runner) {
		r.results = src
	}
}

// NewRunner constructs a runner.
func NewRunner(cfg *config.Config, registry *jobs.Registry, lookup StudyLookup, models ModelProvider, pipe *pipeline.Pipeline, logger *slog.Logger, opts ...RunnerOption) *Runner {
	workers := int64(max(cfg.Workflow.MaxConcurrentJobs, 1))
	r := &Runner{
		registry:         registry,
		studies:          lookup,
		models:           models,
		pipeline:         pipe,
		notifier:         notifications.NewService(cfg),
		logger:           logging.NewComponentLogger(logger, "workflow"),
		classifierID:     cfg.Inference.ClassifierWeights,
		segmenterID:      cfg.Inference.SegmenterWeights,
		defaultThreshold: cfg.Pipeline.DefaultThreshold,
		sem:              semaphore.NewWeighted(workers),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the job registry the runner reports into.
func (r *Runner) Registry() *jobs.Registry {
	return r.registry
}

// Start validates the request, records a pending job, and schedules it. It
// returns as soon as the job is recorded.
func (r *Runner) Start(ctx context.Context, req StartRequest) (string, error) {
	studyID := strings.TrimSpace(req.StudyID)
	if studyID == "" {
		return "", services.Wrap(services.ErrInvalidInput, "workflow", "start", "study_id is required", nil)
	}
	if math.IsNaN(req.Threshold) || req.Threshold > 1 {
		return "", services.Wrap(services.ErrInvalidInput, "workflow", "start",
			fmt.Sprintf("threshold %v must be at most 1", req.Threshold), nil)
	}
	if _, err := r.studies.Info(ctx, studyID); err != nil {
		return "", err
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = r.defaultThreshold
	}
	payload := jobs.Payload{
		StudyID:   studyID,
		Threshold: pipeline.NormalizeThreshold(threshold),
		Model:     strings.TrimSpace(req.Model),
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", services.Wrap(services.ErrTransient, "workflow", "start", "runner is shutting down", nil)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	id := r.registry.Create(payload)
	logging.WithContext(services.WithJobID(services.WithStudyID(ctx, studyID), id), r.logger).Info(
		"job queued",
		logging.Float64("threshold", payload.Threshold),
		logging.String("model", r.segmenterFor(payload)),
	)
	go r.execute(context.WithoutCancel(ctx), id, payload)
	return id, nil
}

// Resegment re-runs the segmenter for the given slices of a study and returns
// the indices whose masks were replaced.
func (r *Runner) Resegment(ctx context.Context, studyID string, indices []int) ([]int, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, services.Wrap(services.ErrInvalidInput, "workflow", "resegment", "study_id is required", nil)
	}
	if _, err := r.studies.Info(ctx, studyID); err != nil {
		return nil, err
	}
	seg, err := r.models.Segmenter(ctx, r.segmenterID)
	if err != nil {
		return nil, err
	}
	return r.pipeline.Resegment(ctx, studyID, indices, seg, r.defaultThreshold)
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop refuses new jobs and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) segmenterFor(payload jobs.Payload) string {
	if payload.Model != "" {
		return payload.Model
	}
	return r.segmenterID
}
