package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/notify"
)

// failureAlertThreshold is the consecutive-miss count that triggers one
// operator alert per degradation episode.
const failureAlertThreshold = 3

// HealthCheckPass evaluates worker heartbeat freshness. The heartbeat data
// itself arrives through the worker API; this loop only draws conclusions
// from what is already in the ledger, plus provider lookups for machines
// whose address is not known yet.
func (s *Scheduler) HealthCheckPass(ctx context.Context) error {
	now := time.Now().UTC()
	staleBefore := now.Add(-s.cfg.Scheduler.HeartbeatStaleness)

	if err := s.fillMissingIPs(ctx); err != nil {
		return err
	}
	if err := s.promoteBooting(ctx, staleBefore); err != nil {
		return err
	}
	if err := s.failStalledBoots(ctx); err != nil {
		return err
	}
	if err := s.checkReady(ctx, now, staleBefore); err != nil {
		return err
	}
	return s.drainCompleted(ctx)
}

// fillMissingIPs backfills addresses for providers that assign them after
// create, and re-issues power-on for machines that never came up. The worker
// cannot register before its instance row carries the ip.
func (s *Scheduler) fillMissingIPs(ctx context.Context) error {
	var pending []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ? AND ip_address = '' AND provider_instance_id <> ''", lifecycle.StatusBooting).
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("scheduler: list booting without ip: %w", err)
	}
	for _, inst := range pending {
		driver, err := s.providers.Get(inst.Provider)
		if err != nil {
			continue
		}
		remote, err := driver.Get(ctx, inst.ProviderInstanceID)
		if err != nil {
			continue
		}
		if !remote.Running {
			if serr := driver.Start(ctx, inst.ProviderInstanceID); serr != nil {
				s.log.Warn().Err(serr).Str("instance_id", inst.ID).Msg("power-on retry failed")
			}
		}
		if remote.IPAddress == "" {
			continue
		}
		err = s.db.WithContext(ctx).Model(&models.Instance{}).
			Where("id = ? AND status = ?", inst.ID, lifecycle.StatusBooting).
			Update("ip_address", remote.IPAddress).Error
		if err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("backfill ip")
		}
	}
	return nil
}

// promoteBooting moves booting instances to ready once the heartbeat is
// fresh and the worker itself reports it is serving.
func (s *Scheduler) promoteBooting(ctx context.Context, staleBefore time.Time) error {
	var booting []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ? AND worker_last_heartbeat >= ? AND worker_status IN ?",
			lifecycle.StatusBooting, staleBefore, []string{"ready", "serving"}).
		Find(&booting).Error
	if err != nil {
		return fmt.Errorf("scheduler: list booting: %w", err)
	}
	for _, inst := range booting {
		won, err := s.lm.BootingToReady("healthcheck", inst.ID)
		if err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("promote to ready")
			continue
		}
		if won {
			metrics.ActionsTotal.WithLabelValues("promote_ready", "success").Inc()
			s.log.Info().Str("instance_id", inst.ID).Msg("instance ready")
		}
	}
	return nil
}

// failStalledBoots times out instances whose worker never reported in. The
// deadline is the provider-scoped worker startup setting, which covers model
// download and load on first boot, falling back to the plain instance
// startup setting and then an hour.
func (s *Scheduler) failStalledBoots(ctx context.Context) error {
	var booting []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", lifecycle.StatusBooting).
		Find(&booting).Error
	if err != nil {
		return fmt.Errorf("scheduler: list booting: %w", err)
	}
	now := time.Now().UTC()
	for _, inst := range booting {
		if inst.BootStartedAt == nil {
			continue
		}
		timeout := s.settings.Seconds(inst.Provider, models.SettingWorkerStartupTimeoutS,
			s.settings.Seconds(inst.Provider, models.SettingStartupTimeoutS, time.Hour))
		deadline := inst.BootStartedAt.Add(timeout)
		if now.Before(deadline) {
			continue
		}
		won, err := s.lm.BootingToStartupFailed("healthcheck", inst.ID, "startup_timeout",
			fmt.Sprintf("no worker heartbeat within %s of boot", timeout))
		if err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("mark startup failed")
			continue
		}
		if won {
			metrics.ActionsTotal.WithLabelValues("startup_timeout", "failed").Inc()
			s.alert(ctx, notify.Event{
				Title:    "worker startup timed out",
				Body:     "the machine is up but the worker never sent a heartbeat",
				Severity: notify.SeverityError,
				Fields: map[string]string{
					"instance": inst.ID,
					"provider": inst.Provider,
					"ip":       inst.IPAddress,
					"timeout":  timeout.String(),
				},
			})
		}
	}
	return nil
}

// checkReady tracks heartbeat freshness on ready instances. Stale beats bump
// the failure counter; a fresh beat resets it. Crossing the alert threshold
// notifies the operator once per episode.
func (s *Scheduler) checkReady(ctx context.Context, now, staleBefore time.Time) error {
	var ready []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", lifecycle.StatusReady).
		Find(&ready).Error
	if err != nil {
		return fmt.Errorf("scheduler: list ready: %w", err)
	}

	for _, inst := range ready {
		fresh := inst.WorkerLastHeartbeat != nil && inst.WorkerLastHeartbeat.After(staleBefore)
		updates := map[string]interface{}{"last_health_check": now}
		switch {
		case fresh && inst.HealthCheckFailures > 0:
			updates["health_check_failures"] = 0
			s.log.Info().Str("instance_id", inst.ID).Msg("worker recovered")
		case !fresh:
			updates["health_check_failures"] = inst.HealthCheckFailures + 1
		}
		result := s.db.WithContext(ctx).Model(&models.Instance{}).
			Where("id = ? AND status = ?", inst.ID, lifecycle.StatusReady).
			Updates(updates)
		if result.Error != nil {
			s.log.Error().Err(result.Error).Str("instance_id", inst.ID).Msg("update health state")
			continue
		}
		if !fresh && inst.HealthCheckFailures+1 == failureAlertThreshold && result.RowsAffected == 1 {
			s.alert(ctx, notify.Event{
				Title:    "worker heartbeat lost",
				Body:     fmt.Sprintf("no heartbeat for %d consecutive checks", failureAlertThreshold),
				Severity: notify.SeverityWarning,
				Fields: map[string]string{
					"instance": inst.ID,
					"provider": inst.Provider,
					"ip":       inst.IPAddress,
				},
			})
		}
	}
	return nil
}

// drainCompleted finishes graceful shutdowns: a draining instance whose
// worker reports an empty queue, or whose worker is gone, moves on to
// terminating.
func (s *Scheduler) drainCompleted(ctx context.Context) error {
	staleBefore := time.Now().UTC().Add(-s.cfg.Scheduler.HeartbeatStaleness)
	var draining []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", lifecycle.StatusDraining).
		Find(&draining).Error
	if err != nil {
		return fmt.Errorf("scheduler: list draining: %w", err)
	}
	for _, inst := range draining {
		emptied := inst.WorkerQueueDepth != nil && *inst.WorkerQueueDepth == 0
		gone := inst.WorkerLastHeartbeat == nil || inst.WorkerLastHeartbeat.Before(staleBefore)
		if !emptied && !gone {
			continue
		}
		from, err := s.lm.ToTerminating("healthcheck", inst.ID, "drain complete")
		if err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("finish drain")
			continue
		}
		if from != "" {
			s.log.Info().Str("instance_id", inst.ID).Bool("queue_empty", emptied).Msg("drain complete")
		}
	}
	return nil
}
