package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateInference(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StorageDir == "" {
		return errors.New("paths.storage_dir must be set")
	}
	if !strings.Contains(c.Paths.APIBind, ":") {
		return fmt.Errorf("paths.api_bind %q must be host:port", c.Paths.APIBind)
	}
	return nil
}

func (c *Config) validateInference() error {
	switch c.Inference.Backend {
	case inferenceBackendIntensity:
		if c.Inference.IntensityCutoff < 0 || c.Inference.IntensityCutoff > 1 {
			return errors.New("inference.intensity_cutoff must be between 0 and 1")
		}
		if c.Inference.MinPositiveFraction < 0 || c.Inference.MinPositiveFraction > 1 {
			return errors.New("inference.min_positive_fraction must be between 0 and 1")
		}
	case inferenceBackendHTTP:
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("inference.base_url must be set when inference.backend is %q (or set %s)", inferenceBackendHTTP, inferenceURLEnv)
		}
		if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
			return fmt.Errorf("inference.base_url %q must be an http(s) URL", c.Inference.BaseURL)
		}
	default:
		return fmt.Errorf("inference.backend %q is not supported (use %q or %q)", c.Inference.Backend, inferenceBackendIntensity, inferenceBackendHTTP)
	}
	return ensurePositiveMap(map[string]int{
		"inference.timeout_seconds": c.Inference.TimeoutSeconds,
		"inference.classifier_rows": c.Inference.ClassifierRows,
		"inference.classifier_cols": c.Inference.ClassifierCols,
		"inference.segmenter_rows":  c.Inference.SegmenterRows,
		"inference.segmenter_cols":  c.Inference.SegmenterCols,
	})
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.DefaultThreshold <= 0 || c.Pipeline.DefaultThreshold > 1 {
		return errors.New("pipeline.default_threshold must be in (0, 1]")
	}
	return ensurePositiveMap(map[string]int{
		"pipeline.classify_workers":    c.Pipeline.ClassifyWorkers,
		"workflow.max_concurrent_jobs": c.Workflow.MaxConcurrentJobs,
	})
}

func (c *Config) validateMaintenance() error {
	if c.Maintenance.PruneSchedule == "" {
		return nil
	}
	if _, err := ParseSchedule(c.Maintenance.PruneSchedule); err != nil {
		return fmt.Errorf("maintenance.prune_schedule: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
