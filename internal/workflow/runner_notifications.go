package workflow

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"pdxseg/internal/jobs"
	"pdxseg/internal/logging"
	"pdxseg/internal/notifications"
	"pdxseg/internal/services"
)

func (r *Runner) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload jobs.Payload, fields map[string]any) {
	if r.notifier == nil {
		return
	}
	data := notifications.Payload{"studyID": payload.StudyID}
	if id, ok := services.JobIDFromContext(ctx); ok {
		data["jobID"] = id
	}
	maps.Copy(data, fields)
	if err := r.notifier.Publish(ctx, event, data); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send notification")
			return
		}
		logger.Debug("job notification failed", logging.String(logging.FieldEventType, string(event)), logging.Error(err))
	}
}
