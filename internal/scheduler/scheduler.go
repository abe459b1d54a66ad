// Package scheduler triggers the orchestrator on the configured weekly
// backup schedule. Unlike a fleet scheduler managing one gocron job per
// policy, this daemon has exactly one schedule (spec.md §6's
// backup_schedule_* settings), so the package wraps a single gocron job
// that is removed and re-added whenever the schedule changes.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/metrics"
)

const jobTag = "btrfsvault-backup"

var weekdayOrder = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// Trigger is the callback invoked on each scheduled tick. It is expected
// to be Orchestrator.Start with a fixed Options — errors (e.g. a run
// already in progress) are the caller's responsibility to log.
type Trigger func() error

// Scheduler wraps a gocron scheduler running at most one job: the backup
// trigger, in singleton mode so an overrunning backup never overlaps with
// itself.
type Scheduler struct {
	cron    gocron.Scheduler
	trigger Trigger
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a Scheduler. m may be nil, in which case the next-run gauge
// is left unset. Call Reload to apply a schedule and Start to begin
// ticking.
func New(trigger Trigger, m *metrics.Metrics, log *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	return &Scheduler{cron: cron, trigger: trigger, metrics: m, log: log.Named("scheduler")}, nil
}

// Start begins ticking. Call once, after an initial Reload.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop shuts down the scheduler, waiting for any in-flight job function
// to return.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Reload removes the existing backup job, if any, and re-adds it from
// cfg. Called at startup and whenever settings are updated through the
// API. A disabled schedule leaves the scheduler with no job registered.
func (s *Scheduler) Reload(cfg *config.Config) error {
	s.cron.RemoveByTags(jobTag)

	if !cfg.BackupScheduleEnabled {
		s.log.Info("backup schedule disabled, no job registered")
		s.updateNextRunMetric()
		return nil
	}

	expr, err := cronExpr(cfg.BackupScheduleTime, cfg.BackupScheduleDays)
	if err != nil {
		return fmt.Errorf("scheduler: building cron expression: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() {
			s.log.Info("scheduled backup tick firing")
			if err := s.trigger(); err != nil {
				s.log.Warn("scheduled backup trigger failed", zap.Error(err))
			}
			s.updateNextRunMetric()
		}),
		gocron.WithTags(jobTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: gocron.NewJob: %w", err)
	}

	s.log.Info("backup schedule registered", zap.String("cron", expr), zap.Strings("days", cfg.BackupScheduleDays))
	s.updateNextRunMetric()
	return nil
}

// NextRun returns the next scheduled fire time and true, or false if no
// job is registered (schedule disabled or nothing scheduled yet).
func (s *Scheduler) NextRun() (t string, ok bool) {
	next, ok := s.nextRunTime()
	if !ok {
		return "", false
	}
	return next.Format("2006-01-02T15:04:05Z07:00"), true
}

func (s *Scheduler) nextRunTime() (time.Time, bool) {
	for _, j := range s.cron.Jobs() {
		next, err := j.NextRun()
		if err != nil {
			continue
		}
		return next, true
	}
	return time.Time{}, false
}

// updateNextRunMetric feeds SchedulerNextRunSeconds from the live gocron
// job list — called after every Reload (schedule changed) and after every
// tick (the job's own next-run time advances once it fires).
func (s *Scheduler) updateNextRunMetric() {
	if s.metrics == nil {
		return
	}
	next, ok := s.nextRunTime()
	if !ok {
		s.metrics.SchedulerNextRunSeconds.Set(0)
		return
	}
	s.metrics.SchedulerNextRunSeconds.Set(float64(next.Unix()))
}

// cronExpr builds a 5-field cron expression ("M H * * days") from an
// HH:MM time and a subset of spec.md §6's three-letter day codes.
func cronExpr(hhmm string, days []string) (string, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("invalid hour in %q: %w", hhmm, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid minute in %q: %w", hhmm, err)
	}

	dayField := "*"
	if len(days) > 0 && len(days) < 7 {
		nums := make([]string, 0, len(days))
		for _, d := range days {
			idx := dayIndex(strings.ToLower(d))
			if idx < 0 {
				return "", fmt.Errorf("unrecognized day %q", d)
			}
			nums = append(nums, strconv.Itoa(idx))
		}
		dayField = strings.Join(nums, ",")
	}

	return fmt.Sprintf("%d %d * * %s", m, h, dayField), nil
}

func dayIndex(d string) int {
	for i, w := range weekdayOrder {
		if w == d {
			return i
		}
	}
	return -1
}
