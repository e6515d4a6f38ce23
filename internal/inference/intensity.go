package inference

import (
	"context"

	"pdxseg/internal/imaging"
)

// IntensityBackend is a deterministic local backend. A slice is classified as
// positive when enough of its normalized pixels exceed Cutoff; the segmentation
// score is the normalized intensity itself. It needs no model server and
// exists for offline runs and tests.
type IntensityBackend struct {
	Cutoff              float64
	MinPositiveFraction float64
	Size                imaging.Size
}

func (b IntensityBackend) Name() string { return "intensity" }

func (b IntensityBackend) LoadClassifier(context.Context, string) (Classifier, error) {
	return intensityClassifier{cutoff: float32(b.Cutoff), minFraction: b.MinPositiveFraction}, nil
}

func (b IntensityBackend) LoadSegmenter(context.Context, string) (Segmenter, error) {
	return intensitySegmenter{size: b.Size}, nil
}

type intensityClassifier struct {
	cutoff      float32
	minFraction float64
}

func (c intensityClassifier) Geometry() imaging.Size { return imaging.Size{} }

func (c intensityClassifier) Predict(ctx context.Context, slice *imaging.Grid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := slice.Validate(); err != nil {
		return false, err
	}
	lo, hi := slice.Bounds()
	if lo == hi {
		return false, nil
	}
	norm := imaging.Normalize(slice)
	above := 0
	for _, v := range norm.Pix {
		if v > c.cutoff {
			above++
		}
	}
	return float64(above)/float64(len(norm.Pix)) > c.minFraction, nil
}

type intensitySegmenter struct {
	size imaging.Size
}

func (s intensitySegmenter) Geometry() imaging.Size { return s.size }

func (s intensitySegmenter) Predict(ctx context.Context, slice *imaging.Grid, _ float64) (*imaging.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := slice.Validate(); err != nil {
		return nil, err
	}
	if lo, hi := slice.Bounds(); lo == hi {
		return imaging.NewGrid(slice.Width, slice.Height), nil
	}
	return imaging.Normalize(slice), nil
}
