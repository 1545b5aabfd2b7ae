package db

import (
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := ConnectMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		User:     "rh",
		Password: "secret",
		Host:     "db.internal",
		Port:     3307,
		Name:     "roundhouse",
	}
	got := DSN(cfg)
	want := "rh:secret@tcp(db.internal:3307)/roundhouse?parseTime=true&charset=utf8mb4"
	if got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", got)
	}
}

func TestConnectUnknownDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("Connect succeeded, want error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Errorf("error = %q, want mention of unknown driver", err)
	}
}

func TestAutoMigrateCreatesTables(t *testing.T) {
	db := testDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, table := range []string{
		"instances", "instance_volumes", "action_logs", "state_transitions",
		"provider_settings", "worker_tokens", "instance_types",
		"mock_servers", "mock_volumes",
	} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %q missing after migrate", table)
		}
	}
}

func TestSeedSettingsIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if err := SeedSettings(db); err != nil {
		t.Fatalf("SeedSettings: %v", err)
	}

	// Operator edits a value; re-seeding must not clobber it.
	edited := int64(7200)
	if err := db.Model(&models.ProviderSetting{}).
		Where("provider = ? AND key = ?", "mock", models.SettingWorkerStartupTimeoutS).
		Update("value_int", edited).Error; err != nil {
		t.Fatalf("update setting: %v", err)
	}
	if err := SeedSettings(db); err != nil {
		t.Fatalf("SeedSettings second run: %v", err)
	}

	var s models.ProviderSetting
	if err := db.Where("provider = ? AND key = ?", "mock", models.SettingWorkerStartupTimeoutS).First(&s).Error; err != nil {
		t.Fatalf("load setting: %v", err)
	}
	if s.ValueInt == nil || *s.ValueInt != edited {
		t.Errorf("ValueInt = %v, want %d preserved across re-seed", s.ValueInt, edited)
	}
}

func TestSeedMockCatalog(t *testing.T) {
	db := testDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if err := SeedMockCatalog(db); err != nil {
		t.Fatalf("SeedMockCatalog: %v", err)
	}
	var count int64
	if err := db.Model(&models.InstanceType{}).Where("provider = ?", "mock").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("mock catalog rows = %d, want 3", count)
	}
}
