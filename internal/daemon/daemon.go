package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"pdxseg/internal/api"
	"pdxseg/internal/artifacts"
	"pdxseg/internal/config"
	"pdxseg/internal/export"
	"pdxseg/internal/inference"
	"pdxseg/internal/jobs"
	"pdxseg/internal/logging"
	"pdxseg/internal/maintenance"
	"pdxseg/internal/notifications"
	"pdxseg/internal/overlay"
	"pdxseg/internal/pipeline"
	"pdxseg/internal/preflight"
	"pdxseg/internal/results"
	"pdxseg/internal/studies"
	"pdxseg/internal/workflow"
)

// Daemon owns every long-lived service and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	catalog   *studies.Catalog
	library   *studies.Library
	store     *artifacts.Store
	registry  *jobs.Registry
	provider  *inference.Provider
	runner    *workflow.Runner
	assembler *results.Assembler
	renders   *overlay.Cache
	exporter  *export.Exporter
	scheduler *maintenance.Scheduler
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	backend  inference.Backend
	notifier notifications.Service
}

// WithBackend replaces the inference backend selected by config.
func WithBackend(b inference.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithNotifier replaces the ntfy notifier built from config.
func WithNotifier(n notifications.Service) Option {
	return func(o *options) { o.notifier = n }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = inference.NewBackend(cfg); err != nil {
			return nil, err
		}
	}
	catalog, err := studies.OpenCatalog(cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("open study catalog: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		catalog:  catalog,
		library:  studies.NewLibrary(catalog, cfg.Paths.StorageDir, logger),
		store:    artifacts.NewStore(cfg.Paths.StorageDir, artifacts.WithLogger(logger)),
		registry: jobs.NewRegistry(),
		provider: inference.NewProvider(backend, logger),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.assembler = results.NewAssembler(d.registry, d.store, d.library, logger)
	d.renders = overlay.NewCache(d.library, d.store, logger)
	d.exporter = export.NewExporter(d.library, d.store, d.renders)
	d.scheduler = maintenance.NewScheduler(cfg, d.store, logger)

	runnerOpts := []workflow.RunnerOption{workflow.WithResults(d.assembler)}
	if o.notifier != nil {
		runnerOpts = append(runnerOpts, workflow.WithNotifier(o.notifier))
	}
	pipe := pipeline.New(d.library, d.store, cfg.Pipeline.ClassifyWorkers, logger)
	d.runner = workflow.NewRunner(cfg, d.registry, d.library, d.provider, pipe, logger, runnerOpts...)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, runs preflight checks, and starts the API
// server and maintenance scheduler.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another pdxsegd instance is already using this storage directory")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.logPreflight(runCtx)

	if _, err := d.scheduler.Start(); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start maintenance: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.scheduler.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("pdxseg daemon started",
		logging.String("lock", d.lockPath),
		logging.String("storage_dir", d.cfg.Paths.StorageDir),
		logging.String("backend", d.provider.Backend()),
	)
	return nil
}

func (d *Daemon) logPreflight(ctx context.Context) {
	for _, check := range preflight.RunAll(ctx, d.cfg) {
		if check.Passed {
			d.logger.Info("preflight check passed",
				logging.String("check", check.Name),
				logging.String("detail", check.Detail),
			)
			continue
		}
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldErrorHint, "run pdxseg status for details"),
			logging.String(logging.FieldImpact, "jobs depending on this check may fail"),
		)
	}
}

// Stop shuts the API server down, waits for in-flight jobs, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.runner.Wait()
	d.scheduler.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("pdxseg daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	d.runner.Stop()
	if d.catalog != nil {
		return d.catalog.Close()
	}
	return nil
}

// Addr returns the API listen address once started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	return api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		CatalogPath:  d.catalog.Path(),
		LockFilePath: d.lockPath,
		StorageDir:   d.cfg.Paths.StorageDir,
		Backend:      d.provider.Backend(),
		Jobs:         api.CountByStatus(d.registry.List()),
		Checks:       preflight.RunAll(ctx, d.cfg),
	}
}
