package scheduler

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/zulandar/roundhouse/internal/models"
)

// SyncCatalog refreshes the instance-type catalog from every enabled driver.
// Types the provider stopped offering are deactivated, never deleted, so
// existing instances keep their type metadata.
func (s *Scheduler) SyncCatalog(ctx context.Context) error {
	entry, err := s.rec.Begin("reconciler", "sync_catalog", "", nil)
	if err != nil {
		return err
	}
	total := 0
	for _, name := range s.providers.Names() {
		driver, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		items, err := driver.Catalog(ctx)
		if err != nil {
			_ = entry.Fail("provider_error", err.Error())
			return fmt.Errorf("scheduler: catalog for %s: %w", name, err)
		}

		seen := make([]string, 0, len(items))
		for _, item := range items {
			seen = append(seen, item.Code)
			row := models.InstanceType{
				Provider:     name,
				Code:         item.Code,
				CostPerHour:  item.CostPerHour,
				CPUCount:     item.CPUCount,
				RAMGB:        item.RAMGB,
				GPUCount:     item.GPUCount,
				VRAMPerGPUGB: item.VRAMPerGPUGB,
				Active:       true,
			}
			result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider"}, {Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"cost_per_hour", "cpu_count", "ram_gb", "gpu_count", "vram_per_gpu_gb", "active"}),
			}).Create(&row)
			if result.Error != nil {
				_ = entry.Fail("db_error", result.Error.Error())
				return fmt.Errorf("scheduler: upsert type %s/%s: %w", name, item.Code, result.Error)
			}
		}
		total += len(items)

		if len(seen) > 0 {
			err = s.db.WithContext(ctx).Model(&models.InstanceType{}).
				Where("provider = ? AND code NOT IN ?", name, seen).
				Update("active", false).Error
			if err != nil {
				_ = entry.Fail("db_error", err.Error())
				return fmt.Errorf("scheduler: deactivate stale types for %s: %w", name, err)
			}
		}
	}
	if err := entry.Succeed(map[string]interface{}{"types": total}); err != nil {
		return err
	}
	s.log.Info().Int("types", total).Msg("catalog synced")
	return nil
}
