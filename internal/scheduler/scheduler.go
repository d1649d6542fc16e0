// Package scheduler drives the periodic core tasks: calendar polling,
// room discovery, policy-state rechecks and the delayed missing-leg
// sweep.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mividas/corestat/internal/queue"
)

const (
	calendarPollEvery  = 3 * time.Minute
	calendarPollLimit  = 15 * time.Minute
	policyRecheckEvery = 30 * time.Minute
	policyRecheckLimit = 4 * time.Minute
	missingLegDelay    = 5 * time.Minute

	// expiryEpsilon keeps a task runnable slightly past its period so a
	// busy worker does not drop every other tick.
	expiryEpsilon = 10 * time.Second
)

// Scheduler registers cron entries that enqueue work onto the pool.
type Scheduler struct {
	cron    *cron.Cron
	pool    *queue.Pool
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Scheduler.
func New(pool *queue.Pool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		pool:    pool,
		logger:  logger.With("component", "scheduler"),
		nowFunc: time.Now,
	}
}

// Every schedules fn on a fixed interval. Each tick enqueues one task
// that expires just before the next tick, so a backlog never cascades.
func (s *Scheduler) Every(period time.Duration, queueName, name string, softLimit time.Duration, fn func(ctx context.Context) error) {
	s.cron.Schedule(cron.Every(period), cron.FuncJob(func() {
		task := queue.Task{
			Name:      name,
			Run:       fn,
			Expiry:    s.nowFunc().Add(period - expiryEpsilon),
			SoftLimit: softLimit,
		}
		if err := s.pool.Enqueue(queueName, task); err != nil {
			s.logger.Warn("enqueue failed", "task", name, "error", err)
		}
	}))
}

// After enqueues fn once after a delay.
func (s *Scheduler) After(delay time.Duration, queueName, name string, softLimit time.Duration, fn func(ctx context.Context) error) {
	task := queue.Task{Name: name, Run: fn, SoftLimit: softLimit}
	if err := s.pool.EnqueueDelayed(queueName, task, delay); err != nil {
		s.logger.Warn("delayed enqueue failed", "task", name, "error", err)
	}
}

// Start begins firing cron entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the cron entries and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// CoreJobs is what the periodic tasks need from the rest of the core.
type CoreJobs interface {
	// PollCalendars runs one full-calendar poll over all syncable
	// credentials, including room-list discovery.
	PollCalendars(ctx context.Context) error
	// RecheckClusters reconciles every cluster's live state.
	RecheckClusters(ctx context.Context) error
	// StopMissingLegs sweeps legs absent from the last MCU snapshots.
	StopMissingLegs(ctx context.Context) error
}

// RegisterCore wires the standard periodic tasks.
func (s *Scheduler) RegisterCore(jobs CoreJobs, enableSync bool) {
	if enableSync {
		s.Every(calendarPollEvery, queue.QueueSync, "calendar_poll", calendarPollLimit, jobs.PollCalendars)
	}
	s.Every(policyRecheckEvery, queue.QueueDefault, "policy_recheck", policyRecheckLimit, func(ctx context.Context) error {
		if err := jobs.RecheckClusters(ctx); err != nil {
			return err
		}
		s.After(missingLegDelay, queue.QueueDefault, "reset_missing_leg_stop_time", policyRecheckLimit, jobs.StopMissingLegs)
		return nil
	})
}
