package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/provider"
)

// archiveAfter is how long a terminated instance stays visible before the
// watch-dog retires it.
const archiveAfter = 24 * time.Hour

// WatchdogPass spot-checks provider reality against the ledger: terminated
// instances age out into archived, and instances whose provider resource
// vanished are marked deleted without a provider call.
func (s *Scheduler) WatchdogPass(ctx context.Context) error {
	if err := s.detectVanished(ctx); err != nil {
		return err
	}
	if err := s.archiveOld(ctx); err != nil {
		return err
	}
	return s.refreshGauges(ctx)
}

// detectVanished checks that active instances still exist at their provider.
// A not-found answer is definitive: the resource is gone and no provider
// call can bring it back, so the row jumps straight to terminated.
func (s *Scheduler) detectVanished(ctx context.Context) error {
	var active []models.Instance
	err := s.db.WithContext(ctx).
		Where("status IN ? AND provider_instance_id <> ''",
			[]string{lifecycle.StatusBooting, lifecycle.StatusReady, lifecycle.StatusDraining}).
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("scheduler: list active: %w", err)
	}
	for _, inst := range active {
		driver, err := s.providers.Get(inst.Provider)
		if err != nil {
			continue
		}
		_, err = driver.Get(ctx, inst.ProviderInstanceID)
		if err == nil {
			s.stampReconciled(ctx, inst.ID)
			continue
		}
		if !provider.IsNotFound(err) {
			// Transient lookup failure proves nothing; skip this instance.
			s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("existence check inconclusive")
			continue
		}
		s.stampReconciled(ctx, inst.ID)
		won, merr := s.lm.MarkProviderDeleted("watchdog", inst.ID, inst.Status)
		if merr != nil {
			s.log.Error().Err(merr).Str("instance_id", inst.ID).Msg("mark provider deleted")
			continue
		}
		if won {
			metrics.DriftDetectedTotal.WithLabelValues("vanished").Inc()
			s.revokeWorkerToken(ctx, inst.ID)
			s.resolveVanishedVolumes(ctx, inst.ID)
			s.alert(ctx, notify.Event{
				Title:    "instance deleted by provider",
				Body:     "the provider resource disappeared outside our control",
				Severity: notify.SeverityWarning,
				Fields: map[string]string{
					"instance":             inst.ID,
					"provider":             inst.Provider,
					"provider_instance_id": inst.ProviderInstanceID,
					"was_status":           inst.Status,
				},
			})
			s.log.Warn().Str("instance_id", inst.ID).Str("was_status", inst.Status).Msg("provider resource vanished")
		}
	}
	return nil
}

// resolveVanishedVolumes settles the volume rows of an instance whose server
// was deleted outside our control. No provider call happens here: keep-volumes
// are detached the moment the server is gone, and delete-on-terminate volumes
// are flagged error so volume reconciliation retries their deletion. Nothing
// may stay attached once the instance is terminated.
func (s *Scheduler) resolveVanishedVolumes(ctx context.Context, instanceID string) {
	err := s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
		Where("instance_id = ? AND status = ? AND delete_on_terminate = ?",
			instanceID, models.VolumeAttached, true).
		Update("status", models.VolumeError).Error
	if err != nil {
		s.log.Error().Err(err).Str("instance_id", instanceID).Msg("flag orphaned volumes")
	}
	err = s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
		Where("instance_id = ? AND status = ?", instanceID, models.VolumeAttached).
		Update("status", models.VolumeDetaching).Error
	if err != nil {
		s.log.Error().Err(err).Str("instance_id", instanceID).Msg("detach orphaned volumes")
	}
}

// stampReconciled records that the instance was checked against the
// provider, drift or not, so staleness of reconciliation itself shows up.
func (s *Scheduler) stampReconciled(ctx context.Context, instanceID string) {
	err := s.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ?", instanceID).
		Update("last_reconciliation", time.Now().UTC()).Error
	if err != nil {
		s.log.Error().Err(err).Str("instance_id", instanceID).Msg("stamp reconciliation")
	}
}

// archiveOld retires terminated instances after the retention window.
func (s *Scheduler) archiveOld(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-archiveAfter)
	var old []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ? AND terminated_at < ?", lifecycle.StatusTerminated, cutoff).
		Find(&old).Error
	if err != nil {
		return fmt.Errorf("scheduler: list terminated: %w", err)
	}
	for _, inst := range old {
		if _, err := s.lm.TerminatedToArchived("watchdog", inst.ID); err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("archive")
		}
	}
	return nil
}

// refreshGauges recomputes the per-status instance gauge from the ledger.
func (s *Scheduler) refreshGauges(ctx context.Context) error {
	type row struct {
		Provider string
		Status   string
		N        int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Instance{}).
		Select("provider, status, count(*) as n").
		Where("is_archived = ?", false).
		Group("provider, status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("scheduler: count by status: %w", err)
	}
	metrics.InstancesByStatus.Reset()
	for _, r := range rows {
		metrics.InstancesByStatus.WithLabelValues(r.Provider, r.Status).Set(float64(r.N))
	}
	return nil
}
