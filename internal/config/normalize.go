package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeInference()
	c.normalizePipeline()
	if c.Workflow.MaxConcurrentJobs <= 0 {
		c.Workflow.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	c.Maintenance.PruneSchedule = strings.TrimSpace(c.Maintenance.PruneSchedule)
	if c.Maintenance.DerivedRetentionDays < 0 {
		c.Maintenance.DerivedRetentionDays = 0
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.StorageDir) == "" || c.Paths.StorageDir == defaultStorageDir {
		if value, ok := os.LookupEnv(storageDirEnv); ok && strings.TrimSpace(value) != "" {
			c.Paths.StorageDir = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Paths.StorageDir) == "" {
		c.Paths.StorageDir = defaultStorageDir
	}
	var err error
	if c.Paths.StorageDir, err = expandPath(c.Paths.StorageDir); err != nil {
		return fmt.Errorf("paths.storage_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeInference() {
	c.Inference.Backend = strings.ToLower(strings.TrimSpace(c.Inference.Backend))
	if c.Inference.Backend == "" {
		c.Inference.Backend = defaultInferenceBackend
	}
	c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(c.Inference.BaseURL), "/")
	if c.Inference.BaseURL == "" {
		if value, ok := os.LookupEnv(inferenceURLEnv); ok {
			c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	c.Inference.ClassifierWeights = strings.TrimSpace(c.Inference.ClassifierWeights)
	if c.Inference.ClassifierWeights == "" {
		c.Inference.ClassifierWeights = defaultClassifierWeights
	}
	c.Inference.SegmenterWeights = strings.TrimSpace(c.Inference.SegmenterWeights)
	if c.Inference.SegmenterWeights == "" {
		c.Inference.SegmenterWeights = defaultSegmenterWeights
	}
	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = defaultInferenceTimeout
	}
	if c.Inference.ClassifierRows <= 0 {
		c.Inference.ClassifierRows = defaultClassifierRows
	}
	if c.Inference.ClassifierCols <= 0 {
		c.Inference.ClassifierCols = defaultClassifierCols
	}
	if c.Inference.SegmenterRows <= 0 {
		c.Inference.SegmenterRows = defaultSegmenterRows
	}
	if c.Inference.SegmenterCols <= 0 {
		c.Inference.SegmenterCols = defaultSegmenterCols
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.DefaultThreshold <= 0 {
		c.Pipeline.DefaultThreshold = defaultThreshold
	}
	if c.Pipeline.ClassifyWorkers <= 0 {
		c.Pipeline.ClassifyWorkers = defaultClassifyWorkers
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// cronParser accepts the standard five-field cron syntax plus descriptors like @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a maintenance schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}
