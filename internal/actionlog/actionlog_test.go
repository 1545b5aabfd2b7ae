package actionlog

import (
	"encoding/json"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/roundhouse/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ActionLog{}, &models.StateTransition{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestBeginSucceed(t *testing.T) {
	db := testDB(t)
	rec := New(db)

	entry, err := rec.Begin("provisioner", "provision", "inst-1", map[string]interface{}{"zone": "fsn1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var row models.ActionLog
	if err := db.First(&row, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Status != models.LogInProgress {
		t.Errorf("Status = %q, want %q after Begin", row.Status, models.LogInProgress)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
		t.Fatalf("metadata not valid JSON: %v", err)
	}
	if meta["zone"] != "fsn1" {
		t.Errorf("metadata zone = %v, want fsn1", meta["zone"])
	}

	if err := entry.Succeed(nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := db.First(&row, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("reload row: %v", err)
	}
	if row.Status != models.LogSuccess {
		t.Errorf("Status = %q, want %q", row.Status, models.LogSuccess)
	}
	if row.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set")
	}
	if row.DurationMS < 0 {
		t.Errorf("DurationMS = %d, want >= 0", row.DurationMS)
	}
}

func TestBeginFail(t *testing.T) {
	db := testDB(t)
	rec := New(db)

	entry, err := rec.Begin("terminator", "terminate", "inst-2", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := entry.Fail("provider_unreachable", "dial tcp: timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var row models.ActionLog
	if err := db.First(&row, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Status != models.LogFailed {
		t.Errorf("Status = %q, want %q", row.Status, models.LogFailed)
	}
	if row.ErrorCode != "provider_unreachable" {
		t.Errorf("ErrorCode = %q, want provider_unreachable", row.ErrorCode)
	}
	if row.ErrorMessage == "" {
		t.Error("ErrorMessage empty, want set")
	}
}

func TestTransitionWritesBothLedgers(t *testing.T) {
	db := testDB(t)
	rec := New(db)

	if err := rec.Transition("healthcheck", "inst-3", "booting", "ready", "first heartbeat"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	var log models.ActionLog
	if err := db.First(&log, "instance_id = ? AND action_type = ?", "inst-3", "state_transition").Error; err != nil {
		t.Fatalf("load action log: %v", err)
	}
	if log.FromStatus != "booting" || log.ToStatus != "ready" {
		t.Errorf("transition = %s -> %s, want booting -> ready", log.FromStatus, log.ToStatus)
	}
	if log.Status != models.LogSuccess {
		t.Errorf("Status = %q, want success", log.Status)
	}

	var st models.StateTransition
	if err := db.First(&st, "instance_id = ?", "inst-3").Error; err != nil {
		t.Fatalf("load state transition: %v", err)
	}
	if st.Reason != "first heartbeat" {
		t.Errorf("Reason = %q, want first heartbeat", st.Reason)
	}
}
