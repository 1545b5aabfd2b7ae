package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
)

// TerminatePass deletes provider resources for terminating instances. A
// resource that is already gone counts as deleted; the goal state holds
// either way.
func (s *Scheduler) TerminatePass(ctx context.Context) error {
	var pending []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", lifecycle.StatusTerminating).
		Order("updated_at").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("scheduler: list terminating: %w", err)
	}

	var wg sync.WaitGroup
	for _, inst := range pending {
		inst := inst
		if !s.acquire(ctx) {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()
			s.terminateOne(ctx, inst)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) terminateOne(ctx context.Context, inst models.Instance) {
	log := s.log.With().Str("loop", "terminator").Str("instance_id", inst.ID).Logger()

	won, err := s.lm.ClaimForReconciliation(inst.ID, s.cfg.Scheduler.ReconcileWindow)
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !won {
		return
	}

	entry, err := s.rec.Begin("terminator", "terminate", inst.ID, map[string]interface{}{
		"provider":             inst.Provider,
		"provider_instance_id": inst.ProviderInstanceID,
		"reason":               inst.DeletionReason,
	})
	if err != nil {
		log.Error().Err(err).Msg("begin action log")
		return
	}

	// Instances that never got a provider resource have nothing to delete.
	if inst.ProviderInstanceID == "" && inst.DeletionReason == "" {
		err := s.db.WithContext(ctx).Model(&models.Instance{}).
			Where("id = ?", inst.ID).
			Update("deletion_reason", "no_provider_resource").Error
		if err != nil {
			log.Error().Err(err).Msg("record deletion reason")
		}
	}
	if inst.ProviderInstanceID != "" {
		driver, err := s.providers.Get(inst.Provider)
		if err != nil {
			_ = entry.Fail("unknown_provider", err.Error())
			log.Error().Err(err).Msg("no driver")
			return
		}
		if err := driver.Delete(ctx, inst.ProviderInstanceID); err != nil {
			_ = entry.Fail("provider_error", err.Error())
			metrics.ActionsTotal.WithLabelValues("terminate", "error").Inc()
			log.Warn().Err(err).Msg("delete failed, will retry next pass")
			return
		}
		if err := s.cleanupVolumes(ctx, driver, inst); err != nil {
			_ = entry.Fail("volume_cleanup_error", err.Error())
			log.Warn().Err(err).Msg("volume cleanup failed, will retry next pass")
			return
		}
	}

	won, err = s.lm.TerminatingToTerminated("terminator", inst.ID)
	if err != nil {
		log.Error().Err(err).Msg("transition to terminated")
		return
	}
	if !won {
		_ = entry.Fail("superseded", "instance left terminating during delete")
		return
	}

	s.revokeWorkerToken(ctx, inst.ID)
	metrics.ActionsTotal.WithLabelValues("terminate", "success").Inc()
	if err := entry.Succeed(nil); err != nil {
		log.Error().Err(err).Msg("complete action log")
	}
	log.Info().Str("reason", inst.DeletionReason).Msg("instance terminated")
}

// cleanupVolumes deletes volumes flagged delete_on_terminate and detaches
// the rest, leaving them alive at the provider. Volume rows survive the
// instance for audit.
func (s *Scheduler) cleanupVolumes(ctx context.Context, driver volumeManager, inst models.Instance) error {
	var volumes []models.InstanceVolume
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status = ?", inst.ID, models.VolumeAttached).
		Find(&volumes).Error
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	now := time.Now().UTC()
	for _, vol := range volumes {
		if vol.DeleteOnTerminate {
			if err := driver.DeleteVolume(ctx, vol.ProviderVolumeID); err != nil {
				return fmt.Errorf("delete volume %s: %w", vol.ProviderVolumeID, err)
			}
			err = s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
				Where("id = ?", vol.ID).
				Updates(map[string]interface{}{"status": models.VolumeDeleted, "deleted_at": now}).Error
		} else {
			if err := driver.DetachVolume(ctx, vol.ProviderVolumeID); err != nil {
				return fmt.Errorf("detach volume %s: %w", vol.ProviderVolumeID, err)
			}
			err = s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
				Where("id = ?", vol.ID).
				Update("status", models.VolumeDetaching).Error
		}
		if err != nil {
			return fmt.Errorf("update volume %s: %w", vol.ID, err)
		}
	}
	return nil
}

// volumeManager is the slice of provider.Driver the cleanup needs.
type volumeManager interface {
	DetachVolume(ctx context.Context, providerVolumeID string) error
	DeleteVolume(ctx context.Context, providerVolumeID string) error
}

// revokeWorkerToken invalidates the heartbeat credential so a lingering
// worker process cannot write to a terminated row.
func (s *Scheduler) revokeWorkerToken(ctx context.Context, instanceID string) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.WorkerToken{}).
		Where("instance_id = ? AND revoked_at IS NULL", instanceID).
		Update("revoked_at", now).Error
	if err != nil {
		s.log.Error().Err(err).Str("instance_id", instanceID).Msg("revoke worker token")
	}
}
