// Package scheduler runs the control-plane job loops: provisioner, health
// check, terminator, and watch-dog, plus the cron-driven catalog sync and
// full reconciliation. Loops never hold state between passes; everything is
// re-derived from the ledger, so any number of scheduler replicas can run
// against the same database.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/actionlog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/provider"
)

// Scheduler owns the job loops.
type Scheduler struct {
	db        *gorm.DB
	cfg       *config.Config
	lm        *lifecycle.Manager
	rec       *actionlog.Recorder
	providers *provider.Registry
	settings  *Settings
	notifier  notify.Notifier
	log       zerolog.Logger

	// sem bounds concurrent provider calls across all loops.
	sem chan struct{}
}

// New wires a Scheduler.
func New(db *gorm.DB, cfg *config.Config, providers *provider.Registry, notifier notify.Notifier, log zerolog.Logger) *Scheduler {
	rec := actionlog.New(db)
	return &Scheduler{
		db:        db,
		cfg:       cfg,
		lm:        lifecycle.NewManager(db, rec),
		rec:       rec,
		providers: providers,
		settings:  NewSettings(db),
		notifier:  notifier,
		log:       log.With().Str("component", "scheduler").Logger(),
		sem:       make(chan struct{}, cfg.Scheduler.MaxConcurrent),
	}
}

// Run starts all loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Scheduler.CatalogSyncSchedule, func() {
		if err := s.SyncCatalog(ctx); err != nil {
			s.log.Error().Err(err).Msg("catalog sync failed")
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.cfg.Scheduler.FullReconcileSchedule, func() {
		if err := s.Reconcile(ctx); err != nil {
			s.log.Error().Err(err).Msg("full reconciliation failed")
		}
	}); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		pass     func(context.Context) error
	}{
		{"provisioner", s.cfg.Scheduler.ProvisionInterval, s.ProvisionPass},
		{"healthcheck", s.cfg.Scheduler.HealthCheckInterval, s.HealthCheckPass},
		{"terminator", s.cfg.Scheduler.TerminateInterval, s.TerminatePass},
		{"watchdog", s.cfg.Scheduler.WatchdogInterval, s.WatchdogPass},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, pass func(context.Context) error) {
			defer wg.Done()
			s.loop(ctx, name, interval, pass)
		}(l.name, l.interval, l.pass)
	}

	s.log.Info().Msg("scheduler running")
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// loop runs pass immediately and then on every tick. A failing pass is
// logged and retried on the next tick; one bad pass must not stop the loop.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	log := s.log.With().Str("loop", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// acquire blocks until a concurrency slot is free or ctx ends. It reports
// whether the slot was taken.
func (s *Scheduler) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() { <-s.sem }

// alert sends a best-effort operator notification.
func (s *Scheduler) alert(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("title", ev.Title).Msg("alert delivery failed")
	}
}
