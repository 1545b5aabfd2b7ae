package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/roundhouse/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Instance{},
		&models.InstanceVolume{},
		&models.ActionLog{},
		&models.StateTransition{},
		&models.ProviderSetting{},
		&models.WorkerToken{},
		&models.InstanceType{},
		&models.MockServer{},
		&models.MockVolume{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// defaultSetting describes one provider-scoped default seeded at init time.
type defaultSetting struct {
	provider string
	key      string
	valueInt *int64
}

func i64(v int64) *int64 { return &v }

// SeedSettings upserts the baseline provider settings. Operators can change
// the values afterwards; re-running init does not clobber edits because the
// upsert only fills rows that are missing.
func SeedSettings(db *gorm.DB) error {
	defaults := []defaultSetting{
		{"mock", models.SettingStartupTimeoutS, i64(300)},
		{"mock", models.SettingWorkerStartupTimeoutS, i64(3600)},
		{"mock", models.SettingWorkerHealthPort, i64(8081)},
		{"mock", models.SettingWorkerInferencePort, i64(8000)},
		{"hcloud", models.SettingStartupTimeoutS, i64(300)},
		{"hcloud", models.SettingWorkerStartupTimeoutS, i64(3600)},
		{"hcloud", models.SettingDefaultVolumeGB, i64(100)},
		{"hcloud", models.SettingWorkerHealthPort, i64(8081)},
		{"hcloud", models.SettingWorkerInferencePort, i64(8000)},
	}

	for _, d := range defaults {
		setting := models.ProviderSetting{
			Provider: d.provider,
			Key:      d.key,
			ValueInt: d.valueInt,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "key"}},
			DoNothing: true,
		}).Create(&setting)
		if result.Error != nil {
			return fmt.Errorf("db: seed setting %s/%s: %w", d.provider, d.key, result.Error)
		}
	}
	return nil
}

// SeedMockCatalog upserts a small instance-type catalog for the mock
// provider so a fresh install can provision without a catalog sync.
func SeedMockCatalog(db *gorm.DB) error {
	types := []models.InstanceType{
		{Provider: "mock", Code: "mock-gpu-1x", CostPerHour: 0.50, CPUCount: 8, RAMGB: 32, GPUCount: 1, VRAMPerGPUGB: 24, Active: true},
		{Provider: "mock", Code: "mock-gpu-2x", CostPerHour: 1.00, CPUCount: 16, RAMGB: 64, GPUCount: 2, VRAMPerGPUGB: 24, Active: true},
		{Provider: "mock", Code: "mock-gpu-4x", CostPerHour: 2.00, CPUCount: 32, RAMGB: 128, GPUCount: 4, VRAMPerGPUGB: 48, Active: true},
	}
	for _, it := range types {
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"cost_per_hour", "cpu_count", "ram_gb", "gpu_count", "vram_per_gpu_gb", "active"}),
		}).Create(&it)
		if result.Error != nil {
			return fmt.Errorf("db: seed instance type %s/%s: %w", it.Provider, it.Code, result.Error)
		}
	}
	return nil
}

// Reset drops all managed tables. Used by `rh db reset` after confirmation.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}
