// Package maintenance runs periodic housekeeping for the daemon: pruning
// derived render and overlay caches on a cron schedule.
package maintenance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/config"
	"pdxseg/internal/logging"
)

// Scheduler prunes derived artifacts on the configured schedule.
type Scheduler struct {
	store     *artifacts.Store
	schedule  string
	retention time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler builds a scheduler from the [maintenance] config section.
func NewScheduler(cfg *config.Config, store *artifacts.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		schedule:  strings.TrimSpace(cfg.Maintenance.PruneSchedule),
		retention: time.Duration(cfg.Maintenance.DerivedRetentionDays) * 24 * time.Hour,
		logger:    logging.NewComponentLogger(logger, "maintenance"),
	}
}

// Start registers the prune job and starts the cron loop. It reports false
// when no schedule is configured.
func (s *Scheduler) Start() (bool, error) {
	if s.schedule == "" {
		s.logger.Info("derived artifact pruning disabled", logging.String("reason", "prune_schedule not set"))
		return false, nil
	}
	sched, err := config.ParseSchedule(s.schedule)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return true, nil
	}
	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		s.RunOnce(context.Background())
	}))
	c.Start()
	s.cron = c

	s.logger.Info("derived artifact pruning scheduled",
		logging.String("schedule", s.schedule),
		logging.Duration("retention", s.retention),
		logging.String("next_run", sched.Next(time.Now()).Format(time.RFC3339)),
	)
	return true, nil
}

// Stop halts the cron loop and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunOnce prunes immediately.
func (s *Scheduler) RunOnce(ctx context.Context) artifacts.PruneResult {
	started := time.Now()
	result := s.store.PruneDerived(ctx, s.retention, s.logger)
	s.logger.Debug("prune pass finished",
		logging.Int("removed", len(result.Removed)),
		logging.Int("errors", len(result.Errors)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result
}
