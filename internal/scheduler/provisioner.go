package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/roundhouse/internal/actionlog"
	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/provider"
)

// ProvisionPass drives every provisioning instance one step forward. Each
// instance is claimed through the reconciliation lease first, so concurrent
// scheduler replicas never double-create provider resources.
func (s *Scheduler) ProvisionPass(ctx context.Context) error {
	var pending []models.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", lifecycle.StatusProvisioning).
		Order("created_at").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("scheduler: list provisioning: %w", err)
	}

	var wg sync.WaitGroup
	for _, inst := range pending {
		inst := inst
		if !s.dueForAttempt(inst) {
			continue
		}
		if !s.acquire(ctx) {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()
			s.provisionOne(ctx, inst)
		}()
	}
	wg.Wait()
	return nil
}

// dueForAttempt gates the first attempt behind the provision grace period,
// which lets a bus-dispatched create settle before the loop claims the row,
// and retries behind exponential backoff. UpdatedAt moves on every recorded
// failure, so it doubles as the last-attempt timestamp.
func (s *Scheduler) dueForAttempt(inst models.Instance) bool {
	if inst.RetryCount == 0 {
		return time.Since(inst.CreatedAt) >= s.cfg.Scheduler.ProvisionGrace
	}
	wait := retryBackoff(s.cfg.Scheduler.RetryBackoffBase, s.cfg.Scheduler.RetryBackoffCap, inst.RetryCount)
	return time.Since(inst.UpdatedAt) >= wait
}

func (s *Scheduler) provisionOne(ctx context.Context, inst models.Instance) {
	log := s.log.With().Str("loop", "provisioner").Str("instance_id", inst.ID).Logger()

	if inst.RetryCount >= s.cfg.Scheduler.MaxProvisionRetries {
		won, err := s.lm.ProvisioningToFailed("provisioner", inst.ID, "max_retries_exceeded",
			fmt.Sprintf("gave up after %d attempts: %s", inst.RetryCount, inst.ErrorMessage))
		if err != nil {
			log.Error().Err(err).Msg("mark provisioning failed")
			return
		}
		if won {
			metrics.ActionsTotal.WithLabelValues("provision", "failed").Inc()
			s.alert(ctx, notify.Event{
				Title:    "provisioning failed",
				Body:     "instance exhausted its retry budget",
				Severity: notify.SeverityError,
				Fields: map[string]string{
					"instance": inst.ID,
					"provider": inst.Provider,
					"type":     inst.InstanceType,
					"error":    inst.ErrorCode,
				},
			})
		}
		return
	}

	won, err := s.lm.ClaimForReconciliation(inst.ID, s.cfg.Scheduler.ReconcileWindow)
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !won {
		return
	}

	driver, err := s.providers.Get(inst.Provider)
	if err != nil {
		log.Error().Err(err).Msg("no driver")
		if _, terr := s.lm.ProvisioningToFailed("provisioner", inst.ID, "unknown_provider", err.Error()); terr != nil {
			log.Error().Err(terr).Msg("mark provisioning failed")
		}
		return
	}

	entry, err := s.rec.Begin("provisioner", "provision", inst.ID, map[string]interface{}{
		"provider": inst.Provider,
		"zone":     inst.Zone,
		"type":     inst.InstanceType,
		"attempt":  inst.RetryCount + 1,
	})
	if err != nil {
		log.Error().Err(err).Msg("begin action log")
		return
	}

	spec := provider.CreateSpec{
		InstanceID:   inst.ID,
		Zone:         inst.Zone,
		InstanceType: inst.InstanceType,
		ModelID:      inst.ModelID,
		Image:        s.cfg.Providers.Hcloud.Image,
		UserData:     workerUserData(inst),
	}
	created, err := driver.Create(ctx, spec)
	if err != nil {
		s.handleCreateFailure(ctx, log, inst, entry, err)
		return
	}

	// The full flow is create, data volume, power on. Any failure after the
	// server exists tears it down again so the retry starts clean.
	volumeGB := int(s.settings.Int(inst.Provider, models.SettingDefaultVolumeGB, 0))
	volumeID := ""
	if volumeGB > 0 {
		volumeID, err = driver.CreateVolume(ctx, provider.VolumeSpec{
			InstanceID: inst.ID,
			Zone:       inst.Zone,
			Name:       "data-" + inst.ID,
			SizeGB:     volumeGB,
		})
		if err == nil {
			err = driver.AttachVolume(ctx, volumeID, created.ProviderInstanceID)
		}
		if err != nil {
			s.undoCreate(ctx, log, driver, created.ProviderInstanceID, volumeID)
			s.handleCreateFailure(ctx, log, inst, entry, err)
			return
		}
	}
	if err := driver.Start(ctx, created.ProviderInstanceID); err != nil {
		s.undoCreate(ctx, log, driver, created.ProviderInstanceID, volumeID)
		s.handleCreateFailure(ctx, log, inst, entry, err)
		return
	}

	won, err = s.lm.ProvisioningToBooting("provisioner", inst.ID, created.ProviderInstanceID, created.IPAddress)
	if err != nil {
		log.Error().Err(err).Msg("transition to booting")
		return
	}
	if !won {
		// Someone terminated the instance while we were creating. Undo the
		// provider resource; the ledger row already moved on without it.
		log.Warn().Msg("lost booting transition, deleting fresh resource")
		s.undoCreate(ctx, log, driver, created.ProviderInstanceID, volumeID)
		_ = entry.Fail("superseded", "instance left provisioning during create")
		return
	}

	if volumeID != "" {
		vol := models.InstanceVolume{
			ID:                inst.ID + "-data",
			InstanceID:        inst.ID,
			Provider:          inst.Provider,
			Zone:              inst.Zone,
			ProviderVolumeID:  volumeID,
			Boot:              false,
			SizeGB:            volumeGB,
			DeleteOnTerminate: true,
			Status:            models.VolumeAttached,
			AttachedAt:        time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&vol).Error; err != nil {
			log.Error().Err(err).Msg("record volume")
		}
	}

	metrics.ProvisionSeconds.Observe(time.Since(inst.CreatedAt).Seconds())
	metrics.ActionsTotal.WithLabelValues("provision", "success").Inc()
	if err := entry.Succeed(map[string]interface{}{
		"provider_instance_id": created.ProviderInstanceID,
		"ip_address":           created.IPAddress,
	}); err != nil {
		log.Error().Err(err).Msg("complete action log")
	}
	log.Info().
		Str("provider_instance_id", created.ProviderInstanceID).
		Str("ip", created.IPAddress).
		Msg("instance created")
}

// undoCreate deletes a half-provisioned server and its volume. Best effort;
// anything left behind is picked up as an orphan by reconciliation.
func (s *Scheduler) undoCreate(ctx context.Context, log zerolog.Logger, driver provider.Driver, serverID, volumeID string) {
	if volumeID != "" {
		if err := driver.DeleteVolume(ctx, volumeID); err != nil {
			log.Error().Err(err).Str("volume_id", volumeID).Msg("cleanup of fresh volume failed")
		}
	}
	if err := driver.Delete(ctx, serverID); err != nil {
		log.Error().Err(err).Str("server_id", serverID).Msg("cleanup of fresh resource failed")
	}
}

func (s *Scheduler) handleCreateFailure(ctx context.Context, log zerolog.Logger, inst models.Instance, entry *actionlog.Entry, err error) {
	code := "provider_error"
	switch {
	case provider.IsOutOfStock(err):
		code = "out_of_stock"
	case !provider.IsTransient(err):
		code = "permanent_provider_error"
	}
	_ = entry.Fail(code, err.Error())
	metrics.ActionsTotal.WithLabelValues("provision", "error").Inc()

	if !provider.IsTransient(err) {
		if _, terr := s.lm.ProvisioningToFailed("provisioner", inst.ID, code, err.Error()); terr != nil {
			log.Error().Err(terr).Msg("mark provisioning failed")
		}
		return
	}
	// Transient, including out-of-stock: record and let backoff retry. The
	// instance recovers on its own once capacity returns.
	if rerr := s.lm.RecordProvisionFailure(inst.ID, code, err.Error()); rerr != nil {
		log.Error().Err(rerr).Msg("record provision failure")
	}
	if provider.IsOutOfStock(err) && inst.RetryCount == 0 {
		s.alert(ctx, notify.Event{
			Title:    "capacity shortage",
			Body:     "provider has no stock for the requested type; retrying with backoff",
			Severity: notify.SeverityWarning,
			Fields: map[string]string{
				"instance": inst.ID,
				"provider": inst.Provider,
				"zone":     inst.Zone,
				"type":     inst.InstanceType,
			},
		})
	}
	log.Warn().Err(err).Int("retry_count", inst.RetryCount+1).Msg("create failed, will retry")
}

// workerUserData renders the cloud-init payload that boots the inference
// worker and points it back at this control plane.
func workerUserData(inst models.Instance) string {
	return fmt.Sprintf(`#cloud-config
write_files:
  - path: /etc/roundhouse/worker.env
    content: |
      ROUNDHOUSE_INSTANCE_ID=%s
      ROUNDHOUSE_MODEL_ID=%s
runcmd:
  - systemctl enable --now roundhouse-worker
`, inst.ID, inst.ModelID)
}
