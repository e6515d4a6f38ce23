package inference

import (
	"fmt"

	"pdxseg/internal/config"
	"pdxseg/internal/imaging"
	"pdxseg/internal/services"
)

// NewBackend builds the backend selected by inference.backend.
func NewBackend(cfg *config.Config) (Backend, error) {
	geometry := imaging.Size{Width: cfg.Inference.SegmenterCols, Height: cfg.Inference.SegmenterRows}
	switch cfg.Inference.Backend {
	case "intensity":
		return IntensityBackend{
			Cutoff:              cfg.Inference.IntensityCutoff,
			MinPositiveFraction: cfg.Inference.MinPositiveFraction,
			Size:                geometry,
		}, nil
	case "http":
		return NewHTTPBackend(HTTPConfig{
			BaseURL:        cfg.Inference.BaseURL,
			TimeoutSeconds: cfg.Inference.TimeoutSeconds,
			Geometry:       geometry,
			ClassifierGeometry: imaging.Size{
				Width:  cfg.Inference.ClassifierCols,
				Height: cfg.Inference.ClassifierRows,
			},
		}), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "inference", "new backend",
			fmt.Sprintf("unsupported backend %q", cfg.Inference.Backend), nil)
	}
}
