// Package inference defines the classifier and segmenter capabilities the
// pipeline depends on, a cached model provider, and the backends that serve
// them.
//
// Handles returned by Provider are shared between jobs and are internally
// serialized: concurrent Predict calls on one handle run one at a time.
package inference

import (
	"context"

	"pdxseg/internal/imaging"
)

// ClassifierThreshold is the fixed decision boundary for tumor presence.
const ClassifierThreshold = 0.5

// Classifier decides whether a slice contains tumor. Geometry is the input
// size the model expects; an empty size means the slice is used as is.
// Backends resize internally, callers pass native slices.
type Classifier interface {
	Geometry() imaging.Size
	Predict(ctx context.Context, slice *imaging.Grid) (bool, error)
}

// Segmenter produces a per-pixel tumor score map for a slice already resized
// to Geometry. Scores at or above threshold are treated as tumor; a backend
// may return an already binarized map.
type Segmenter interface {
	Geometry() imaging.Size
	Predict(ctx context.Context, slice *imaging.Grid, threshold float64) (*imaging.Grid, error)
}

// Backend loads model handles by weights identifier.
type Backend interface {
	Name() string
	LoadClassifier(ctx context.Context, weightsID string) (Classifier, error)
	LoadSegmenter(ctx context.Context, weightsID string) (Segmenter, error)
}
