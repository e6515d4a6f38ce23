// Package results composes the measurement report of a finished job from its
// stored masks and the study's spacing metadata.
package results

import (
	"context"
	"fmt"
	"log/slog"

	"pdxseg/internal/imaging"
	"pdxseg/internal/jobs"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
	"pdxseg/internal/volume"
)

// JobSource looks up job snapshots.
type JobSource interface {
	Get(id string) (jobs.Job, error)
}

// MaskSource reads stored masks for a study.
type MaskSource interface {
	MaskIndices(studyID string) ([]int, error)
	GetMask(studyID string, index int) (*imaging.Mask, error)
}

// StudySource resolves study metadata.
type StudySource interface {
	Info(ctx context.Context, studyID string) (*studies.Info, error)
}

// Result is the report returned for a completed job.
type Result struct {
	JobID               string        `json:"job_id"`
	StudyID             string        `json:"study_id"`
	TotalVolumeCC       float64       `json:"total_volume_cc"`
	SliceAreasCC        []float64     `json:"slice_areas_cc"`
	RawAreas            []int         `json:"raw_areas"`
	ClassificationFlags []bool        `json:"classification_flags"`
	SliceIndices        []int         `json:"slice_indices"`
	PixelSpacingMM      [2]float64    `json:"pixel_spacing_mm"`
	SliceThicknessMM    float64       `json:"slice_thickness_mm"`
	Study               *studies.Info `json:"study,omitempty"`
}

// Assembler builds results on demand; nothing is cached.
type Assembler struct {
	jobs    JobSource
	masks   MaskSource
	studies StudySource
	logger  *slog.Logger
}

// NewAssembler wires the assembler's sources.
func NewAssembler(jobSource JobSource, masks MaskSource, studySource StudySource, logger *slog.Logger) *Assembler {
	return &Assembler{
		jobs:    jobSource,
		masks:   masks,
		studies: studySource,
		logger:  logging.NewComponentLogger(logger, "results"),
	}
}

// Assemble returns the result of a done job. Unknown jobs and jobs without
// masks report ErrNotFound; jobs that have not finished report ErrNotReady.
func (a *Assembler) Assemble(ctx context.Context, jobID string) (*Result, error) {
	job, err := a.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusDone {
		return nil, services.Wrap(services.ErrNotReady, "results", "assemble",
			fmt.Sprintf("job %s is %s", jobID, job.Status), nil)
	}

	studyID := job.Payload.StudyID
	var stored []bool
	if job.Result != nil {
		if job.Result.StudyID != "" {
			studyID = job.Result.StudyID
		}
		stored = job.Result.ClassificationFlags
	}
	ctx = services.WithStudyID(services.WithJobID(ctx, jobID), studyID)
	logger := logging.WithContext(ctx, a.logger)

	indices, err := a.masks.MaskIndices(studyID)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "results", "assemble",
			fmt.Sprintf("no masks for study %s", studyID), nil)
	}
	masks := make([]*imaging.Mask, len(indices))
	for i, idx := range indices {
		mask, err := a.masks.GetMask(studyID, idx)
		if err != nil {
			return nil, fmt.Errorf("read mask %d: %w", idx, err)
		}
		masks[i] = mask
	}

	info, err := a.studies.Info(ctx, studyID)
	if err != nil {
		logger.Warn("study metadata unavailable; using default spacing", logging.Error(err))
		info = nil
	}
	spacing := volume.DefaultSpacing
	if info != nil {
		spacing = info.Spacing.OrDefault()
	}

	summary := volume.Aggregate(masks, spacing)
	return &Result{
		JobID:               jobID,
		StudyID:             studyID,
		TotalVolumeCC:       summary.TotalVolumeCC,
		SliceAreasCC:        summary.SliceAreasCC,
		RawAreas:            summary.RawAreas,
		ClassificationFlags: Flags(stored, summary.RawAreas),
		SliceIndices:        indices,
		PixelSpacingMM:      [2]float64{spacing.RowMM, spacing.ColMM},
		SliceThicknessMM:    spacing.ThicknessMM,
		Study:               info,
	}, nil
}

// Flags returns the stored classification flags when they line up with the
// masks, and otherwise derives them from which masks have any positive pixel.
func Flags(stored []bool, rawAreas []int) []bool {
	if stored != nil && len(stored) == len(rawAreas) {
		out := make([]bool, len(stored))
		copy(out, stored)
		return out
	}
	out := make([]bool, len(rawAreas))
	for i, raw := range rawAreas {
		out[i] = raw > 0
	}
	return out
}
