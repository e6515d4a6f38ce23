package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pdxseg/internal/imaging"
	"pdxseg/internal/inference"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
)

// DefaultThreshold applies when a caller passes a non-positive threshold.
const DefaultThreshold = 0.5

// Stage names reported through ProgressFunc and logs.
const (
	StageClassify = "classify"
	StageSegment  = "segment"
)

// SliceSource supplies a study's slices in acquisition order.
type SliceSource interface {
	ListSlices(ctx context.Context, studyID string) ([]int, error)
	Slice(ctx context.Context, studyID string, index int) (studies.Slice, error)
}

// MaskWriter persists one mask per (study, slice).
type MaskWriter interface {
	PutMask(studyID string, index int, mask *imaging.Mask) error
}

// ProgressFunc receives the number of slices finished in a stage. During
// classification it may be called from several goroutines at once.
type ProgressFunc func(stage string, done, total int)

// Request parameterizes one run.
type Request struct {
	StudyID    string
	Threshold  float64
	Classifier inference.Classifier
	Segmenter  inference.Segmenter
	Progress   ProgressFunc
}

// Outcome summarizes a run. Flags[i] belongs to the slice at position i+1.
// First and Last are the 1-based span bounds, zero when no slice was positive.
type Outcome struct {
	Flags   []bool
	Written []int
	Skipped []int
	First   int
	Last    int
}

// Pipeline wires a slice source and a mask writer.
type Pipeline struct {
	source  SliceSource
	masks   MaskWriter
	workers int
	logger  *slog.Logger
}

// New constructs a pipeline. classifyWorkers bounds pass 1 parallelism.
func New(source SliceSource, masks MaskWriter, classifyWorkers int, logger *slog.Logger) *Pipeline {
	if classifyWorkers < 1 {
		classifyWorkers = 1
	}
	return &Pipeline{
		source:  source,
		masks:   masks,
		workers: classifyWorkers,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
	}
}

// NormalizeThreshold maps a non-positive threshold to the default.
func NormalizeThreshold(t float64) float64 {
	if t <= 0 {
		return DefaultThreshold
	}
	return t
}

// Span returns the 1-based positions of the first and last true flag.
func Span(flags []bool) (first, last int, ok bool) {
	first = slices.Index(flags, true)
	if first < 0 {
		return 0, 0, false
	}
	last = len(flags) - 1
	for !flags[last] {
		last--
	}
	return first + 1, last + 1, true
}

// Run executes both passes for a study.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	ctx = services.WithStudyID(ctx, req.StudyID)
	logger := logging.WithContext(ctx, p.logger)
	threshold := NormalizeThreshold(req.Threshold)
	if req.Classifier == nil || req.Segmenter == nil {
		return Outcome{}, services.Wrap(services.ErrConfiguration, "pipeline", "run", "classifier and segmenter are required", nil)
	}

	indices, err := p.source.ListSlices(ctx, req.StudyID)
	if err != nil {
		return Outcome{}, err
	}
	if len(indices) == 0 {
		return Outcome{}, services.Wrap(services.ErrNotFound, "pipeline", "run",
			fmt.Sprintf("study %s has no slices", req.StudyID), nil)
	}

	started := time.Now()
	flags, err := p.classify(ctx, req, indices)
	if err != nil {
		return Outcome{}, err
	}
	first, last, ok := Span(flags)
	logger.Info("classification complete",
		logging.Int("slices", len(indices)),
		logging.Int("positive", countTrue(flags)),
		logging.Int("span_first", first),
		logging.Int("span_last", last),
		logging.Duration("elapsed", time.Since(started)),
	)

	out := Outcome{Flags: flags, First: first, Last: last}
	segCtx := services.WithStage(ctx, StageSegment)
	for pos, idx := range indices {
		inSpan := ok && pos+1 >= first && pos+1 <= last
		if err := p.writeSlice(segCtx, req, idx, inSpan, threshold); err != nil {
			out.Skipped = append(out.Skipped, idx)
			logging.WarnWithContext(logging.WithContext(segCtx, p.logger), "slice skipped", "slice_segment_failed",
				logging.Int(logging.FieldSliceIndex, idx),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "inspect the slice file or model server logs"),
				logging.String(logging.FieldImpact, "slice has no mask and is excluded from the volume"),
			)
		} else {
			out.Written = append(out.Written, idx)
		}
		report(req.Progress, StageSegment, pos+1, len(indices))
	}

	logger.Info("segmentation complete",
		logging.Int("written", len(out.Written)),
		logging.Int("skipped", len(out.Skipped)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return out, nil
}

func (p *Pipeline) classify(ctx context.Context, req Request, indices []int) ([]bool, error) {
	ctx = services.WithStage(ctx, StageClassify)
	flags := make([]bool, len(indices))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for pos, idx := range indices {
		g.Go(func() error {
			slice, err := p.source.Slice(gctx, req.StudyID, idx)
			if err != nil {
				return fmt.Errorf("load slice %d: %w", idx, err)
			}
			positive, err := req.Classifier.Predict(gctx, slice.Data)
			if err != nil {
				return services.Wrap(services.ErrModelFailure, StageClassify, "predict",
					fmt.Sprintf("slice %d", idx), err)
			}
			flags[pos] = positive
			report(req.Progress, StageClassify, int(done.Add(1)), len(indices))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return flags, nil
}

func (p *Pipeline) writeSlice(ctx context.Context, req Request, idx int, inSpan bool, threshold float64) error {
	slice, err := p.source.Slice(ctx, req.StudyID, idx)
	if err != nil {
		return err
	}
	var mask *imaging.Mask
	if inSpan {
		mask, err = Segment(ctx, req.Segmenter, slice.Data, threshold)
		if err != nil {
			return err
		}
	} else {
		mask = imaging.NewMask(slice.Data.Width, slice.Data.Height)
	}
	return p.masks.PutMask(req.StudyID, idx, mask)
}

// Segment runs the segmenter on one slice: resize to the model geometry,
// normalize, predict, binarize, and resize back to the slice geometry.
func Segment(ctx context.Context, seg inference.Segmenter, slice *imaging.Grid, threshold float64) (*imaging.Mask, error) {
	if err := slice.Validate(); err != nil {
		return nil, err
	}
	native := slice.Size()
	geometry := seg.Geometry()
	input := slice
	if geometry != native {
		input = imaging.Resize(slice, geometry)
	}
	scores, err := seg.Predict(ctx, imaging.Normalize(input), threshold)
	if err != nil {
		return nil, services.Wrap(services.ErrModelFailure, StageSegment, "predict", "", err)
	}
	if scores == nil || scores.Size() != geometry {
		return nil, services.Wrap(services.ErrModelFailure, StageSegment, "predict",
			fmt.Sprintf("segmenter returned unexpected geometry (want %s)", geometry), nil)
	}
	mask := imaging.Binarize(scores, threshold)
	if mask.Size() != native {
		mask = imaging.ResizeMask(mask, native)
	}
	return mask, nil
}

// Resegment re-runs only the segmenter for the given slice indices. Indices
// whose slice is missing or whose processing fails are skipped. The updated
// indices are returned ascending and without duplicates.
func (p *Pipeline) Resegment(ctx context.Context, studyID string, indices []int, seg inference.Segmenter, threshold float64) ([]int, error) {
	if seg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "resegment", "segmenter is required", nil)
	}
	ctx = services.WithStage(services.WithStudyID(ctx, studyID), StageSegment)
	logger := logging.WithContext(ctx, p.logger)
	threshold = NormalizeThreshold(threshold)

	wanted := slices.Clone(indices)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	updated := make([]int, 0, len(wanted))
	for _, idx := range wanted {
		slice, err := p.source.Slice(ctx, studyID, idx)
		if err != nil {
			logger.Debug("resegment skipping slice", logging.Int(logging.FieldSliceIndex, idx), logging.Error(err))
			continue
		}
		mask, err := Segment(ctx, seg, slice.Data, threshold)
		if err != nil {
			logging.WarnWithContext(logger, "resegment failed for slice", "slice_resegment_failed",
				logging.Int(logging.FieldSliceIndex, idx),
				logging.Error(err),
				logging.String(logging.FieldImpact, "previous mask kept"),
			)
			continue
		}
		if err := p.masks.PutMask(studyID, idx, mask); err != nil {
			logging.WarnWithContext(logger, "resegment could not store mask", "mask_write_failed",
				logging.Int(logging.FieldSliceIndex, idx),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check storage_dir permissions"),
			)
			continue
		}
		updated = append(updated, idx)
	}
	logger.Info("resegment complete", logging.Int("requested", len(wanted)), logging.Int("updated", len(updated)))
	return updated, nil
}

func report(fn ProgressFunc, stage string, done, total int) {
	if fn != nil {
		fn(stage, done, total)
	}
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
