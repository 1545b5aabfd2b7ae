package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/provider"
)

// Reconcile compares provider reality against the ledger for every enabled
// driver and repairs the differences: vanished resources are marked deleted,
// unknown resources are imported, and resources belonging to dead instances
// are reported to the operator.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	entry, err := s.rec.Begin("reconciler", "full_reconcile", "", nil)
	if err != nil {
		return err
	}
	var orphans, vanished, zombies int
	for _, name := range s.providers.Names() {
		driver, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		o, v, z, err := s.reconcileProvider(ctx, driver)
		if err != nil {
			_ = entry.Fail("provider_error", err.Error())
			return err
		}
		orphans += o
		vanished += v
		zombies += z
	}
	volumes, err := s.reconcileVolumes(ctx)
	if err != nil {
		_ = entry.Fail("volume_error", err.Error())
		return err
	}
	if err := entry.Succeed(map[string]interface{}{
		"orphans":  orphans,
		"vanished": vanished,
		"zombies":  zombies,
		"volumes":  volumes,
	}); err != nil {
		return err
	}
	s.log.Info().
		Int("orphans", orphans).
		Int("vanished", vanished).
		Int("zombies", zombies).
		Int("volumes", volumes).
		Msg("reconciliation complete")
	return nil
}

func (s *Scheduler) reconcileProvider(ctx context.Context, driver provider.Driver) (orphans, vanished, zombies int, err error) {
	remote, err := driver.List(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("scheduler: list %s resources: %w", driver.Name(), err)
	}
	remoteByID := make(map[string]provider.DiscoveredInstance, len(remote))
	for _, r := range remote {
		remoteByID[r.ProviderInstanceID] = r
	}

	// Archived rows stay in the set: a resource leaked by an archived
	// instance must keep alerting as a zombie, not be re-adopted as an
	// orphan under a fresh id.
	var local []models.Instance
	err = s.db.WithContext(ctx).
		Where("provider = ? AND provider_instance_id <> ''", driver.Name()).
		Find(&local).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("scheduler: list %s instances: %w", driver.Name(), err)
	}

	localByID := make(map[string]models.Instance, len(local))
	for _, inst := range local {
		localByID[inst.ProviderInstanceID] = inst
	}

	// Vanished: ledger says active, provider says gone.
	for _, inst := range local {
		if inst.IsArchived {
			continue
		}
		s.stampReconciled(ctx, inst.ID)
		if _, exists := remoteByID[inst.ProviderInstanceID]; exists {
			continue
		}
		switch inst.Status {
		case lifecycle.StatusBooting, lifecycle.StatusReady, lifecycle.StatusDraining, lifecycle.StatusTerminating:
			won, merr := s.lm.MarkProviderDeleted("reconciler", inst.ID, inst.Status)
			if merr != nil {
				s.log.Error().Err(merr).Str("instance_id", inst.ID).Msg("mark vanished")
				continue
			}
			if won {
				vanished++
				metrics.DriftDetectedTotal.WithLabelValues("vanished").Inc()
				s.revokeWorkerToken(ctx, inst.ID)
				s.resolveVanishedVolumes(ctx, inst.ID)
			}
		}
	}

	// Orphans and zombies: resources the ledger does not expect to exist.
	for id, r := range remoteByID {
		inst, known := localByID[id]
		if known && inst.Status != lifecycle.StatusTerminated && inst.Status != lifecycle.StatusArchived {
			continue
		}
		if known {
			// Zombie: terminated in the ledger but alive at the provider.
			// Never deleted automatically; the resource could be something an
			// operator rebuilt out of band. Alert and leave it.
			zombies++
			metrics.DriftDetectedTotal.WithLabelValues("zombie").Inc()
			zentry, lerr := s.rec.Begin("reconciler", "zombie_detected", inst.ID, map[string]interface{}{
				"provider":             driver.Name(),
				"provider_instance_id": id,
			})
			if lerr == nil {
				lerr = zentry.Succeed(nil)
			}
			if lerr != nil {
				s.log.Error().Err(lerr).Str("provider_instance_id", id).Msg("record zombie")
			}
			s.alert(ctx, notify.Event{
				Title:    "zombie resource detected",
				Body:     "a terminated instance is still running at the provider; delete it manually if it is not wanted",
				Severity: notify.SeverityWarning,
				Fields: map[string]string{
					"instance":             inst.ID,
					"provider":             driver.Name(),
					"provider_instance_id": id,
				},
			})
			continue
		}
		// Orphan: nothing in the ledger references this resource. Import it
		// as booting so the health check promotes it once a worker reports.
		orphans++
		metrics.DriftDetectedTotal.WithLabelValues("orphan").Inc()
		if ierr := s.importOrphan(ctx, driver.Name(), r); ierr != nil {
			s.log.Error().Err(ierr).Str("provider_instance_id", id).Msg("orphan import failed")
		}
	}
	return orphans, vanished, zombies, nil
}

// volumeReconcileWindow is how long a volume rests between reconciliation
// attempts, keeping retries off the hot path.
const volumeReconcileWindow = 5 * time.Minute

// reconcileVolumes settles delete-on-terminate volumes whose deletion never
// finished: reported deletions are verified at the provider, and volumes
// still open after their instance died are deleted again. Rows are never
// removed from the ledger; reconciled_at closes them once the provider
// confirms the volume gone, preserving the full history for cost accounting.
func (s *Scheduler) reconcileVolumes(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-volumeReconcileWindow)
	deadInstances := s.db.Model(&models.Instance{}).Select("id").
		Where("status IN ?", []string{lifecycle.StatusTerminating, lifecycle.StatusTerminated, lifecycle.StatusArchived})

	var pending []models.InstanceVolume
	err := s.db.WithContext(ctx).
		Where("delete_on_terminate = ? AND reconciled_at IS NULL", true).
		Where("(last_reconciliation IS NULL OR last_reconciliation < ?)", cutoff).
		Where("(status = ? OR instance_id IN (?))", models.VolumeDeleted, deadInstances).
		Order("attached_at").
		Limit(50).
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("scheduler: list unreconciled volumes: %w", err)
	}

	reconciled := 0
	now := time.Now().UTC()
	for _, vol := range pending {
		s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
			Where("id = ?", vol.ID).
			Update("last_reconciliation", now)
		driver, derr := s.providers.Get(vol.Provider)
		if derr != nil || vol.ProviderVolumeID == "" {
			continue
		}
		ventry, lerr := s.rec.Begin("reconciler", "volume_delete_retry", vol.InstanceID, map[string]interface{}{
			"provider":           vol.Provider,
			"provider_volume_id": vol.ProviderVolumeID,
			"was_status":         vol.Status,
		})
		if lerr != nil {
			s.log.Error().Err(lerr).Str("volume_id", vol.ID).Msg("begin action log")
			continue
		}
		// Delete is idempotent: a volume already gone confirms as success,
		// one still present gets deleted now.
		if derr := driver.DeleteVolume(ctx, vol.ProviderVolumeID); derr != nil {
			_ = ventry.Fail("delete_failed", derr.Error())
			s.log.Warn().Err(derr).Str("volume_id", vol.ID).Msg("volume delete retry failed")
			continue
		}
		updates := map[string]interface{}{
			"status":        models.VolumeDeleted,
			"reconciled_at": now,
		}
		if vol.DeletedAt == nil {
			updates["deleted_at"] = now
		}
		uerr := s.db.WithContext(ctx).Model(&models.InstanceVolume{}).
			Where("id = ?", vol.ID).
			Updates(updates).Error
		if uerr != nil {
			_ = ventry.Fail("storage_error", uerr.Error())
			s.log.Error().Err(uerr).Str("volume_id", vol.ID).Msg("record volume deletion")
			continue
		}
		_ = ventry.Succeed(nil)
		reconciled++
		s.log.Info().
			Str("volume_id", vol.ID).
			Str("instance_id", vol.InstanceID).
			Msg("volume reconciled")
	}
	return reconciled, nil
}

// importOrphan adopts an unowned provider resource into the ledger.
func (s *Scheduler) importOrphan(ctx context.Context, providerName string, r provider.DiscoveredInstance) error {
	now := time.Now().UTC()
	inst := models.Instance{
		ID:                 uuid.NewString(),
		Provider:           providerName,
		Zone:               r.Zone,
		InstanceType:       r.InstanceType,
		Status:             lifecycle.StatusBooting,
		ProviderInstanceID: r.ProviderInstanceID,
		IPAddress:          r.IPAddress,
		BootStartedAt:      &now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A concurrent import may have won; the unique resource id check is
		// the row lookup itself.
		var existing models.Instance
		ferr := tx.Where("provider = ? AND provider_instance_id = ?",
			providerName, r.ProviderInstanceID).First(&existing).Error
		if ferr == nil {
			return nil
		}
		if ferr != gorm.ErrRecordNotFound {
			return ferr
		}
		return tx.Create(&inst).Error
	})
	if err != nil {
		return fmt.Errorf("scheduler: import orphan %s: %w", r.ProviderInstanceID, err)
	}
	if err := s.rec.Transition("reconciler", inst.ID, "", lifecycle.StatusBooting, "imported orphan"); err != nil {
		return err
	}
	s.alert(ctx, notify.Event{
		Title:    "orphan resource imported",
		Body:     "a provider resource with no ledger row was adopted",
		Severity: notify.SeverityInfo,
		Fields: map[string]string{
			"instance":             inst.ID,
			"provider":             providerName,
			"provider_instance_id": r.ProviderInstanceID,
			"ip":                   r.IPAddress,
		},
	})
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("provider_instance_id", r.ProviderInstanceID).
		Msg("orphan imported")
	return nil
}
