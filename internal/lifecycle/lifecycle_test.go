package lifecycle

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/roundhouse/internal/actionlog"
	"github.com/zulandar/roundhouse/internal/models"
)

func testManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Instance{}, &models.ActionLog{}, &models.StateTransition{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return NewManager(db, actionlog.New(db)), db
}

func mustCreate(t *testing.T, m *Manager) *models.Instance {
	t.Helper()
	inst, err := m.Create("mock", "mock-1", "mock-gpu-1x", "llama-70b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inst
}

func status(t *testing.T, db *gorm.DB, id string) models.Instance {
	t.Helper()
	var inst models.Instance
	if err := db.First(&inst, "id = ?", id).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	return inst
}

func TestValid(t *testing.T) {
	legal := [][2]string{
		{StatusProvisioning, StatusBooting},
		{StatusProvisioning, StatusProvisioningFailed},
		{StatusBooting, StatusReady},
		{StatusBooting, StatusStartupFailed},
		{StatusReady, StatusDraining},
		{StatusDraining, StatusTerminating},
		{StatusTerminating, StatusTerminated},
		{StatusTerminated, StatusArchived},
		{StatusStartupFailed, StatusBooting},
	}
	for _, e := range legal {
		if !Valid(e[0], e[1]) {
			t.Errorf("Valid(%s, %s) = false, want true", e[0], e[1])
		}
	}
	illegal := [][2]string{
		{StatusReady, StatusBooting},
		{StatusTerminated, StatusReady},
		{StatusArchived, StatusProvisioning},
		{StatusProvisioning, StatusReady},
		{StatusDraining, StatusReady},
	}
	for _, e := range illegal {
		if Valid(e[0], e[1]) {
			t.Errorf("Valid(%s, %s) = true, want false", e[0], e[1])
		}
	}
}

func TestHappyPath(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)

	won, err := m.ProvisioningToBooting("provisioner", inst.ID, "srv-1", "10.0.0.5")
	if err != nil || !won {
		t.Fatalf("ProvisioningToBooting: won=%v err=%v", won, err)
	}
	got := status(t, db, inst.ID)
	if got.Status != StatusBooting || got.ProviderInstanceID != "srv-1" || got.IPAddress != "10.0.0.5" {
		t.Fatalf("after booting: %+v", got)
	}
	if got.BootStartedAt == nil {
		t.Fatal("BootStartedAt = nil, want set")
	}

	won, err = m.BootingToReady("healthcheck", inst.ID)
	if err != nil || !won {
		t.Fatalf("BootingToReady: won=%v err=%v", won, err)
	}
	if got = status(t, db, inst.ID); got.Status != StatusReady || got.ReadyAt == nil {
		t.Fatalf("after ready: %+v", got)
	}

	from, err := m.ToTerminating("bus", inst.ID, "operator request")
	if err != nil {
		t.Fatalf("ToTerminating: %v", err)
	}
	if from != StatusReady {
		t.Errorf("ToTerminating won from %q, want ready", from)
	}

	won, err = m.TerminatingToTerminated("terminator", inst.ID)
	if err != nil || !won {
		t.Fatalf("TerminatingToTerminated: won=%v err=%v", won, err)
	}
	if got = status(t, db, inst.ID); got.TerminatedAt == nil {
		t.Fatal("TerminatedAt = nil, want set")
	}

	won, err = m.TerminatedToArchived("watchdog", inst.ID)
	if err != nil || !won {
		t.Fatalf("TerminatedToArchived: won=%v err=%v", won, err)
	}
	if got = status(t, db, inst.ID); !got.IsArchived {
		t.Fatal("IsArchived = false, want true")
	}

	// Full path recorded in the transition ledger.
	var transitions []models.StateTransition
	if err := db.Order("id").Find(&transitions, "instance_id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load transitions: %v", err)
	}
	want := []string{StatusProvisioning, StatusBooting, StatusReady, StatusTerminating, StatusTerminated, StatusArchived}
	if len(transitions) != len(want) {
		t.Fatalf("transition count = %d, want %d", len(transitions), len(want))
	}
	for i, tr := range transitions {
		if tr.ToStatus != want[i] {
			t.Errorf("transition[%d].ToStatus = %q, want %q", i, tr.ToStatus, want[i])
		}
	}
}

func TestConditionalUpdateLosesOnStaleStatus(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)

	if won, err := m.ProvisioningToBooting("provisioner", inst.ID, "srv-1", "10.0.0.5"); err != nil || !won {
		t.Fatalf("first transition: won=%v err=%v", won, err)
	}
	// Second writer raced and lost: the row is no longer provisioning.
	won, err := m.ProvisioningToBooting("provisioner", inst.ID, "srv-2", "10.0.0.6")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if won {
		t.Fatal("second transition won, want loss")
	}
	if got := status(t, db, inst.ID); got.ProviderInstanceID != "srv-1" {
		t.Errorf("ProviderInstanceID = %q, loser overwrote the row", got.ProviderInstanceID)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m, _ := testManager(t)
	inst := mustCreate(t, m)
	if _, err := m.transition("test", inst.ID, StatusProvisioning, StatusReady, "", nil); err == nil {
		t.Fatal("provisioning -> ready accepted, want error")
	}
}

func TestStartupFailedAndReinstall(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)
	if _, err := m.ProvisioningToBooting("provisioner", inst.ID, "srv-1", "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	won, err := m.BootingToStartupFailed("watchdog", inst.ID, "startup_timeout", "no heartbeat within 3600s")
	if err != nil || !won {
		t.Fatalf("BootingToStartupFailed: won=%v err=%v", won, err)
	}
	got := status(t, db, inst.ID)
	if got.ErrorCode != "startup_timeout" || got.FailedAt == nil {
		t.Fatalf("after startup_failed: %+v", got)
	}

	// Reinstall re-enters booting with worker state cleared.
	hb := time.Now().UTC()
	db.Model(&models.Instance{}).Where("id = ?", inst.ID).Updates(map[string]interface{}{
		"worker_last_heartbeat": hb,
		"worker_status":         "loading",
		"worker_health_port":    8081,
		"worker_inference_port": 8000,
	})
	won, err = m.Reinstall("bus", inst.ID)
	if err != nil || !won {
		t.Fatalf("Reinstall: won=%v err=%v", won, err)
	}
	got = status(t, db, inst.ID)
	if got.Status != StatusBooting {
		t.Errorf("Status = %q, want booting", got.Status)
	}
	if got.WorkerLastHeartbeat != nil || got.WorkerStatus != "" {
		t.Errorf("worker fields not cleared: %+v", got)
	}
	if got.WorkerHealthPort != nil || got.WorkerInferencePort != nil {
		t.Error("worker ports survived reinstall")
	}
	if got.BootStartedAt == nil {
		t.Error("BootStartedAt = nil, want restamped")
	}
}

func TestMarkProviderDeleted(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)
	if _, err := m.ProvisioningToBooting("provisioner", inst.ID, "srv-1", "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.BootingToReady("healthcheck", inst.ID); err != nil {
		t.Fatal(err)
	}

	won, err := m.MarkProviderDeleted("watchdog", inst.ID, StatusReady)
	if err != nil || !won {
		t.Fatalf("MarkProviderDeleted: won=%v err=%v", won, err)
	}
	got := status(t, db, inst.ID)
	if got.Status != StatusTerminated {
		t.Errorf("Status = %q, want terminated", got.Status)
	}
	if !got.DeletedByProvider {
		t.Error("DeletedByProvider = false, want true")
	}
	if got.DeletionReason != "deleted_by_provider" {
		t.Errorf("DeletionReason = %q", got.DeletionReason)
	}
}

func TestToTerminatingReportsSourceStatus(t *testing.T) {
	m, _ := testManager(t)
	inst := mustCreate(t, m)
	from, err := m.ToTerminating("bus", inst.ID, "cleanup")
	if err != nil {
		t.Fatalf("ToTerminating: %v", err)
	}
	if from != StatusProvisioning {
		t.Errorf("won from %q, want provisioning", from)
	}
	// Already terminating: no edge wins.
	from, err = m.ToTerminating("bus", inst.ID, "cleanup")
	if err != nil {
		t.Fatalf("second ToTerminating: %v", err)
	}
	if from != "" {
		t.Errorf("second call won from %q, want no-op", from)
	}
}

func TestRecordProvisionFailure(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)
	for i := 0; i < 3; i++ {
		if err := m.RecordProvisionFailure(inst.ID, "provider_error", "out of stock"); err != nil {
			t.Fatalf("RecordProvisionFailure: %v", err)
		}
	}
	got := status(t, db, inst.ID)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.Status != StatusProvisioning {
		t.Errorf("Status = %q, want still provisioning", got.Status)
	}
}

func TestClaimForReconciliation(t *testing.T) {
	m, db := testManager(t)
	inst := mustCreate(t, m)

	won, err := m.ClaimForReconciliation(inst.ID, time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	// Lease held: a second claim inside the window loses.
	won, err = m.ClaimForReconciliation(inst.ID, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim won inside lease window")
	}

	// Expire the lease and claim again.
	old := time.Now().UTC().Add(-2 * time.Minute)
	db.Model(&models.Instance{}).Where("id = ?", inst.ID).Update("last_reconciliation", old)
	won, err = m.ClaimForReconciliation(inst.ID, time.Minute)
	if err != nil || !won {
		t.Fatalf("claim after expiry: won=%v err=%v", won, err)
	}
}
