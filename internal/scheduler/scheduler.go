// Package scheduler triggers detection runs for active alerts on their cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miradorstack/mirador-detect/internal/lock"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
)

// Runner executes one scheduled run of an alert.
type Runner interface {
	RunScheduled(ctx context.Context, alertID int64) error
}

// Options configures cross-instance exclusion. A nil Locker runs every tick
// locally. The lease is refreshed while a run is in progress, so LockTTL only
// bounds how long a crashed instance blocks the alert.
type Options struct {
	Locker  lock.Locker
	LockTTL time.Duration
}

// Scheduler owns one cron with an entry per active alert.
type Scheduler struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[int64]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(runner Runner, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		opts:    opts,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[int64]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Sync replaces every entry with one per active alert that has a cron
// expression. Alerts with an invalid expression are logged and skipped.
// It returns the number of scheduled alerts.
func (s *Scheduler) Sync(alerts []*models.Alert) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	for _, alert := range alerts {
		if alert == nil || !alert.Active || alert.Cron == "" {
			continue
		}
		alertID, name := alert.ID, alert.Name
		entry, err := s.cron.AddFunc(alert.Cron, func() { s.runJob(alertID, name) })
		if err != nil {
			s.logger.Error("invalid alert schedule",
				slog.String("alert", name),
				slog.String("cron", alert.Cron),
				slog.Any("error", err))
			continue
		}
		s.entries[alertID] = entry
	}
	s.logger.Info("alert schedules loaded", slog.Int("scheduled", len(s.entries)))
	return len(s.entries)
}

// Scheduled lists the ids of scheduled alerts.
func (s *Scheduler) Scheduled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start begins firing entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// runJob runs one alert. Failures and panics stay inside the job.
func (s *Scheduler) runJob(alertID int64, name string) {
	logger := s.logger.With(slog.Int64("alert_id", alertID), slog.String("alert", name))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("scheduled run panicked", slog.Any("panic", rec))
		}
	}()

	if s.opts.Locker != nil {
		key := "schedule:" + strconv.FormatInt(alertID, 10)
		lease, ok, err := lock.TryAcquire(s.ctx, s.opts.Locker, key, s.opts.LockTTL)
		if err != nil {
			metrics.IncScheduledSkip("lock_error")
			logger.Warn("scheduled run skipped, lock unavailable", slog.Any("error", err))
			return
		}
		if !ok {
			metrics.IncScheduledSkip("locked")
			logger.Debug("scheduled run skipped, held by another instance")
			return
		}
		defer lease.Release()
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-lease.Lost():
				logger.Warn("schedule lock lost while the run is in progress")
			case <-finished:
			}
		}()
	}

	start := time.Now()
	if err := s.runner.RunScheduled(s.ctx, alertID); err != nil {
		logger.Error("scheduled run failed", slog.Any("error", err), slog.Duration("took", time.Since(start)))
		return
	}
	logger.Debug("scheduled run finished", slog.Duration("took", time.Since(start)))
}
