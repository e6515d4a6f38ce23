package preflight

import (
	"context"

	"pdxseg/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// The model server is only probed when the http backend is selected.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Storage directory", cfg.Paths.StorageDir))
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if cfg.Inference.Backend == "http" {
		results = append(results,
			CheckModelServer(ctx, "Classifier model", cfg.Inference.BaseURL, cfg.Inference.ClassifierWeights),
			CheckModelServer(ctx, "Segmenter model", cfg.Inference.BaseURL, cfg.Inference.SegmenterWeights),
		)
	}
	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
