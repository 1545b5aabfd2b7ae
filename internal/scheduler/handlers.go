package scheduler

import (
	"context"
	"fmt"

	"github.com/zulandar/roundhouse/internal/bus"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
)

// RegisterHandlers wires the bus commands to scheduler operations. Handlers
// only change ledger state; the job loops do the provider work, so a handler
// finishing does not mean the world has changed yet.
func (s *Scheduler) RegisterHandlers(consumer *bus.Consumer) {
	consumer.Handle(bus.CmdProvision, s.handleProvision)
	consumer.Handle(bus.CmdTerminate, s.handleTerminate)
	consumer.Handle(bus.CmdReinstall, s.handleReinstall)
	consumer.Handle(bus.CmdSyncCatalog, func(ctx context.Context, cmd bus.Command) error {
		metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
		return s.SyncCatalog(ctx)
	})
	consumer.Handle(bus.CmdReconcile, func(ctx context.Context, cmd bus.Command) error {
		metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
		return s.Reconcile(ctx)
	})
}

func (s *Scheduler) handleProvision(ctx context.Context, cmd bus.Command) error {
	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	providerName := cmd.Provider
	if providerName == "" {
		providerName = s.cfg.Providers.Default
	}
	if _, err := s.providers.Get(providerName); err != nil {
		return err
	}
	zone := cmd.Zone
	if zone == "" {
		zone = s.defaultZone(providerName)
	}
	if cmd.InstanceType == "" {
		return fmt.Errorf("scheduler: provision command missing instance_type")
	}

	var active int64
	err := s.db.WithContext(ctx).Model(&models.InstanceType{}).
		Where("provider = ? AND code = ? AND active = ?", providerName, cmd.InstanceType, true).
		Count(&active).Error
	if err != nil {
		return fmt.Errorf("scheduler: check catalog: %w", err)
	}
	if active == 0 {
		return fmt.Errorf("scheduler: instance type %s/%s is not in the active catalog", providerName, cmd.InstanceType)
	}

	inst, err := s.lm.Create(providerName, zone, cmd.InstanceType, cmd.ModelID)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("correlation_id", cmd.CorrelationID).
		Str("provider", providerName).
		Str("type", cmd.InstanceType).
		Msg("provision requested")
	return nil
}

func (s *Scheduler) handleTerminate(ctx context.Context, cmd bus.Command) error {
	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	if cmd.InstanceID == "" {
		return fmt.Errorf("scheduler: terminate command missing instance_id")
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "operator request"
	}
	if cmd.Graceful {
		won, err := s.lm.ReadyToDraining("bus", cmd.InstanceID, reason)
		if err != nil {
			return err
		}
		if won {
			s.log.Info().Str("instance_id", cmd.InstanceID).Msg("draining started")
			return nil
		}
		// Not ready: fall through to a hard terminate, which covers every
		// other live status.
	}
	from, err := s.lm.ToTerminating("bus", cmd.InstanceID, reason)
	if err != nil {
		return err
	}
	if from == "" {
		s.log.Info().Str("instance_id", cmd.InstanceID).Msg("terminate was a no-op")
		return nil
	}
	s.log.Info().Str("instance_id", cmd.InstanceID).Str("from", from).Msg("terminating")
	return nil
}

func (s *Scheduler) handleReinstall(ctx context.Context, cmd bus.Command) error {
	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	if cmd.InstanceID == "" {
		return fmt.Errorf("scheduler: reinstall command missing instance_id")
	}
	var inst models.Instance
	if err := s.db.WithContext(ctx).First(&inst, "id = ?", cmd.InstanceID).Error; err != nil {
		return fmt.Errorf("scheduler: load instance %s: %w", cmd.InstanceID, err)
	}
	driver, err := s.providers.Get(inst.Provider)
	if err != nil {
		return err
	}

	entry, err := s.rec.Begin("bus", "reinstall", inst.ID, map[string]interface{}{
		"correlation_id": cmd.CorrelationID,
	})
	if err != nil {
		return err
	}
	if err := driver.Reinstall(ctx, inst.ProviderInstanceID); err != nil {
		_ = entry.Fail("provider_error", err.Error())
		return err
	}
	won, err := s.lm.Reinstall("bus", inst.ID)
	if err != nil {
		return err
	}
	if !won {
		_ = entry.Fail("superseded", "instance not in a reinstallable status")
		return fmt.Errorf("scheduler: instance %s cannot be reinstalled from %s", inst.ID, inst.Status)
	}
	metrics.ActionsTotal.WithLabelValues("reinstall", "success").Inc()
	return entry.Succeed(nil)
}

func (s *Scheduler) defaultZone(providerName string) string {
	switch providerName {
	case "hcloud":
		if len(s.cfg.Providers.Hcloud.Zones) > 0 {
			return s.cfg.Providers.Hcloud.Zones[0]
		}
	case "mock":
		if len(s.cfg.Providers.Mock.Zones) > 0 {
			return s.cfg.Providers.Mock.Zones[0]
		}
	}
	return ""
}
