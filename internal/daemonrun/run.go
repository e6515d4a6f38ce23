// Package daemonrun hosts the pdxseg daemon process runtime: logging setup,
// pid bookkeeping, and signal-driven shutdown around daemon.Daemon.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"pdxseg/internal/config"
	"pdxseg/internal/daemon"
	"pdxseg/internal/logging"
	"pdxseg/internal/notifications"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Ready, when set, is called once the daemon is serving.
	Ready func(*daemon.Daemon)
}

// PIDPath is where a running daemon records its process id.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "pdxsegd.pid")
}

// CurrentLogPath is the stable pointer to the active daemon log.
func CurrentLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "pdxsegd.log")
}

// Run starts the daemon and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("pdxsegd-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(CurrentLogPath(cfg), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update pdxsegd.log link: %v\n", err)
	}
	logConfigSnapshot(logger, cfg)

	d, err := daemon.New(cfg, logger, daemon.WithNotifier(notifications.NewService(cfg)))
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind and that no other pdxsegd uses this storage_dir"),
			logging.String(logging.FieldImpact, "no segmentation jobs can be served"),
		)
		return err
	}

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	if opts.Ready != nil {
		opts.Ready(d)
	}

	<-signalCtx.Done()
	logger.Info("pdxseg daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("storage_dir", cfg.Paths.StorageDir),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.String("backend", cfg.Inference.Backend),
		logging.String("classifier_weights", cfg.Inference.ClassifierWeights),
		logging.String("segmenter_weights", cfg.Inference.SegmenterWeights),
		logging.Int("max_concurrent_jobs", cfg.Workflow.MaxConcurrentJobs),
		logging.Bool("notifications_enabled", cfg.Notifications.NtfyTopic != ""),
		logging.String("prune_schedule", cfg.Maintenance.PruneSchedule),
	)
}
