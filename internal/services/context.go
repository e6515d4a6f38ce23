package services

import "context"

type contextKey int

const (
	jobIDKey contextKey = iota
	studyIDKey
	stageKey
	requestIDKey
)

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	value, _ := ctx.Value(key).(string)
	return value, value != ""
}

// WithJobID tags ctx with a segmentation job id. Empty ids are ignored.
func WithJobID(ctx context.Context, id string) context.Context { return withValue(ctx, jobIDKey, id) }

// JobIDFromContext returns the job id stored by WithJobID.
func JobIDFromContext(ctx context.Context) (string, bool) { return lookup(ctx, jobIDKey) }

// WithStudyID tags ctx with a study id.
func WithStudyID(ctx context.Context, id string) context.Context {
	return withValue(ctx, studyIDKey, id)
}

// StudyIDFromContext returns the study id stored by WithStudyID.
func StudyIDFromContext(ctx context.Context) (string, bool) { return lookup(ctx, studyIDKey) }

// WithStage tags ctx with the pipeline stage (classify, segment, ...).
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage stored by WithStage.
func StageFromContext(ctx context.Context) (string, bool) { return lookup(ctx, stageKey) }

// WithRequestID tags ctx with the HTTP request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) { return lookup(ctx, requestIDKey) }
