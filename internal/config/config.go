package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StorageDir string `toml:"storage_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Inference selects and configures the classifier/segmenter backend.
type Inference struct {
	// Backend is "intensity" (local, deterministic) or "http" (remote model server).
	Backend           string `toml:"backend"`
	BaseURL           string `toml:"base_url"`
	ClassifierWeights string `toml:"classifier_weights"`
	SegmenterWeights  string `toml:"segmenter_weights"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	ClassifierRows    int    `toml:"classifier_rows"`
	ClassifierCols    int    `toml:"classifier_cols"`
	SegmenterRows     int    `toml:"segmenter_rows"`
	SegmenterCols     int    `toml:"segmenter_cols"`
	// IntensityCutoff and MinPositiveFraction only apply to the intensity backend.
	IntensityCutoff     float64 `toml:"intensity_cutoff"`
	MinPositiveFraction float64 `toml:"min_positive_fraction"`
}

// Pipeline contains classify/segment tuning.
type Pipeline struct {
	DefaultThreshold float64 `toml:"default_threshold"`
	ClassifyWorkers  int     `toml:"classify_workers"`
}

// Workflow contains job scheduling limits.
type Workflow struct {
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
}

// Maintenance contains the derived-artifact pruning schedule.
type Maintenance struct {
	PruneSchedule        string `toml:"prune_schedule"`
	DerivedRetentionDays int    `toml:"derived_retention_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for pdxseg.
//
// Configuration sections by subsystem:
//   - Paths: storage/log directories and API bind address
//   - Inference: classifier and segmenter backend selection
//   - Pipeline: threshold default and classification parallelism
//   - Workflow: concurrent job limit
//   - Notifications: ntfy push notification settings
//   - Maintenance: render/overlay cache pruning
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Inference     Inference     `toml:"inference"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Maintenance   Maintenance   `toml:"maintenance"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns ~/.config/pdxseg/config.toml, expanded.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/pdxseg/config.toml")
}

// Load resolves the configuration file, decodes it over Default, normalizes
// paths and env fallbacks, then validates. It returns the resolved path and
// whether that file existed; a missing file yields the defaults.
//
// With an empty path the lookup order is ~/.config/pdxseg/config.toml then
// ./pdxseg.toml.
func Load(path string) (*Config, string, bool, error) {
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	cfg := Default()
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, "", false, err
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return fmt.Errorf("parse config %s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	var candidates []string
	if path != "" {
		candidates = []string{path}
	} else {
		candidates = []string{"~/.config/pdxseg/config.toml", "pdxseg.toml"}
	}
	var first string
	for _, candidate := range candidates {
		expanded, err := expandPath(candidate)
		if err != nil {
			return "", false, err
		}
		if first == "" {
			first = expanded
		}
		info, err := os.Stat(expanded)
		switch {
		case err == nil && !info.IsDir():
			return expanded, true, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", false, fmt.Errorf("stat config: %w", err)
		}
	}
	return first, false, nil
}

// EnsureDirectories creates the storage and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StorageDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CatalogPath returns the SQLite database that records ingested studies.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Paths.StorageDir, "catalog.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StorageDir, "pdxsegd.lock")
}

// ExpandPath expands a leading ~ and returns an absolute, cleaned path.
// Empty input stays empty.
func ExpandPath(value string) (string, error) {
	return expandPath(value)
}

func expandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", value, err)
	}
	return abs, nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
