package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"pdxseg/internal/jobs"
	"pdxseg/internal/logging"
	"pdxseg/internal/notifications"
	"pdxseg/internal/pipeline"
	"pdxseg/internal/services"
)

func (r *Runner) execute(ctx context.Context, id string, payload jobs.Payload) {
	defer r.wg.Done()
	ctx = services.WithJobID(services.WithStudyID(ctx, payload.StudyID), id)
	logger := logging.WithContext(ctx, r.logger)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(ctx, logger, id, payload, pipeline.Outcome{}, fmt.Errorf("acquire job slot: %w", err), 0)
		return
	}
	defer r.sem.Release(1)

	started := time.Now()
	var (
		outcome pipeline.Outcome
		runErr  error
	)
	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("job panicked: %v", rec)
			logger.Error("job panicked",
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "job_panic"),
			)
		}
		r.finish(ctx, logger, id, payload, outcome, runErr, time.Since(started))
	}()

	r.registry.SetRunning(id)
	logger.Info("job started")
	outcome, runErr = r.run(ctx, logger, id, payload)
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, id string, payload jobs.Payload) (pipeline.Outcome, error) {
	classifier, err := r.models.Classifier(ctx, r.classifierID)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	segmenter, err := r.models.Segmenter(ctx, r.segmenterFor(payload))
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return r.pipeline.Run(ctx, pipeline.Request{
		StudyID:    payload.StudyID,
		Threshold:  payload.Threshold,
		Classifier: classifier,
		Segmenter:  segmenter,
		Progress:   r.progressReporter(logger, id),
	})
}

func (r *Runner) progressReporter(logger *slog.Logger, id string) pipeline.ProgressFunc {
	sampler := logging.NewProgressSampler(25)
	var (
		mu   sync.Mutex
		last int
	)
	return func(stage string, done, total int) {
		percent := stagePercent(stage, done, total)
		mu.Lock()
		if percent <= last {
			mu.Unlock()
			return
		}
		last = percent
		mu.Unlock()

		r.registry.SetProgress(id, percent)
		if sampler.ShouldLog(float64(percent), stage) {
			logger.Info("job progress",
				logging.String(logging.FieldStage, stage),
				logging.Int("done", done),
				logging.Int("total", total),
				logging.Int("percent", percent),
			)
		}
	}
}

// stagePercent maps classification onto 0-50 and segmentation onto 50-99.
func stagePercent(stage string, done, total int) int {
	if total <= 0 {
		return 0
	}
	share := done * 50 / total
	if stage == pipeline.StageSegment {
		return min(50+share, 99)
	}
	return min(share, 50)
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, id string, payload jobs.Payload, outcome pipeline.Outcome, runErr error, elapsed time.Duration) {
	if runErr != nil {
		if !r.registry.SetError(id, runErr.Error()) {
			logger.Debug("job already terminal; error ignored", logging.Error(runErr))
			return
		}
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.Error(runErr),
			logging.String("error_kind", services.Kind(runErr)),
			logging.Duration("elapsed", elapsed),
			logging.String(logging.FieldErrorHint, failureHint(runErr)),
			logging.String(logging.FieldImpact, "no result is available for this job"),
		)
		r.publish(ctx, logger, notifications.EventJobFailed, payload, map[string]any{"error": runErr.Error()})
		return
	}

	if !r.registry.SetDone(id, jobs.Result{StudyID: payload.StudyID, ClassificationFlags: outcome.Flags}) {
		logger.Debug("job already terminal; completion ignored")
		return
	}
	fields := map[string]any{
		"slices":  len(outcome.Flags),
		"skipped": len(outcome.Skipped),
	}
	attrs := []logging.Attr{
		logging.Int("slices", len(outcome.Flags)),
		logging.Int("written", len(outcome.Written)),
		logging.Int("skipped", len(outcome.Skipped)),
		logging.Int("span_first", outcome.First),
		logging.Int("span_last", outcome.Last),
		logging.Duration("elapsed", elapsed),
	}
	if r.results != nil {
		if res, err := r.results.Assemble(ctx, id); err == nil {
			fields["volumeCC"] = res.TotalVolumeCC
			attrs = append(attrs, logging.Float64("total_volume_cc", res.TotalVolumeCC))
		} else {
			logger.Debug("result not assembled for completion log", logging.Error(err))
		}
	}
	logger.Info("job completed", logging.Args(attrs...)...)
	r.publish(ctx, logger, notifications.EventJobCompleted, payload, fields)
}

func failureHint(err error) string {
	switch services.Kind(err) {
	case "model_failure":
		return "check the inference backend and model weights"
	case "not_found":
		return "verify the study still has readable slices"
	case "configuration":
		return "run pdxseg config validate"
	default:
		return "inspect daemon logs for the job id"
	}
}
