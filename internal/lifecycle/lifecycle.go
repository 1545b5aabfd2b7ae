// Package lifecycle owns the instance state machine. Every status change is
// a conditional UPDATE guarded by the expected current status, so two job
// loops racing on the same instance cannot both win; the loser sees zero
// rows affected and moves on.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/actionlog"
	"github.com/zulandar/roundhouse/internal/models"
)

// Instance statuses.
const (
	StatusProvisioning       = "provisioning"
	StatusBooting            = "booting"
	StatusReady              = "ready"
	StatusDraining           = "draining"
	StatusTerminating        = "terminating"
	StatusTerminated         = "terminated"
	StatusStartupFailed      = "startup_failed"
	StatusProvisioningFailed = "provisioning_failed"
	StatusArchived           = "archived"
)

// legalTransitions lists every allowed edge of the state machine.
var legalTransitions = map[string][]string{
	StatusProvisioning:       {StatusBooting, StatusProvisioningFailed, StatusTerminating},
	StatusBooting:            {StatusReady, StatusStartupFailed, StatusTerminating},
	StatusReady:              {StatusDraining, StatusTerminating},
	StatusDraining:           {StatusTerminating},
	StatusTerminating:        {StatusTerminated},
	StatusTerminated:         {StatusArchived},
	StatusStartupFailed:      {StatusBooting, StatusTerminating},
	StatusProvisioningFailed: {StatusTerminating, StatusArchived},
	StatusArchived:           {},
}

// Valid reports whether from -> to is a legal transition.
func Valid(from, to string) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the statuses where a provider resource may exist and
// the instance still participates in scheduling.
func ActiveStatuses() []string {
	return []string{StatusProvisioning, StatusBooting, StatusReady, StatusDraining, StatusTerminating}
}

// Manager performs state transitions against the ledger.
type Manager struct {
	db  *gorm.DB
	log *actionlog.Recorder
}

// NewManager returns a Manager writing to db and recording to log.
func NewManager(db *gorm.DB, log *actionlog.Recorder) *Manager {
	return &Manager{db: db, log: log}
}

// DB exposes the underlying handle for read-only queries by callers.
func (m *Manager) DB() *gorm.DB { return m.db }

// Create inserts a new instance in provisioning.
func (m *Manager) Create(provider, zone, instanceType, modelID string) (*models.Instance, error) {
	inst := models.Instance{
		ID:           uuid.NewString(),
		Provider:     provider,
		Zone:         zone,
		InstanceType: instanceType,
		ModelID:      modelID,
		Status:       StatusProvisioning,
	}
	if err := m.db.Create(&inst).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: create instance: %w", err)
	}
	if err := m.log.Transition("lifecycle", inst.ID, "", StatusProvisioning, "created"); err != nil {
		return nil, err
	}
	return &inst, nil
}

// transition attempts the conditional update id: from -> to. It returns true
// only if this call won the write. extra columns are applied in the same
// UPDATE so the row never exists in a half-transitioned shape.
func (m *Manager) transition(component, id, from, to, reason string, extra map[string]interface{}) (bool, error) {
	if !Valid(from, to) {
		return false, fmt.Errorf("lifecycle: illegal transition %s -> %s", from, to)
	}
	// Entering a new status releases the reconciliation lease, so the loop
	// that owns the new status can claim the instance right away.
	updates := map[string]interface{}{"status": to, "last_reconciliation": nil}
	for k, v := range extra {
		updates[k] = v
	}
	result := m.db.Model(&models.Instance{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("lifecycle: transition %s %s -> %s: %w", id, from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if err := m.log.Transition(component, id, from, to, reason); err != nil {
		return true, err
	}
	return true, nil
}

// ProvisioningToBooting records the provider resource and starts the boot
// clock. Called by the provisioner after a successful create.
func (m *Manager) ProvisioningToBooting(component, id, providerInstanceID, ipAddress string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(component, id, StatusProvisioning, StatusBooting, "provider resource created", map[string]interface{}{
		"provider_instance_id": providerInstanceID,
		"ip_address":           ipAddress,
		"boot_started_at":      now,
		"error_code":           "",
		"error_message":        "",
	})
}

// ProvisioningToFailed marks a terminal provisioning failure.
func (m *Manager) ProvisioningToFailed(component, id, errorCode, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(component, id, StatusProvisioning, StatusProvisioningFailed, errorCode, map[string]interface{}{
		"error_code":    errorCode,
		"error_message": errorMessage,
		"failed_at":     now,
	})
}

// RecordProvisionFailure bumps the retry counter without leaving
// provisioning. The instance stays claimable for the next pass.
func (m *Manager) RecordProvisionFailure(id, errorCode, errorMessage string) error {
	result := m.db.Model(&models.Instance{}).
		Where("id = ? AND status = ?", id, StatusProvisioning).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_code":    errorCode,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return fmt.Errorf("lifecycle: record provision failure %s: %w", id, result.Error)
	}
	return nil
}

// BootingToReady promotes an instance on its first fresh heartbeat.
func (m *Manager) BootingToReady(component, id string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(component, id, StatusBooting, StatusReady, "worker heartbeat", map[string]interface{}{
		"ready_at":              now,
		"health_check_failures": 0,
		"error_code":            "",
		"error_message":         "",
	})
}

// BootingToStartupFailed marks a worker that never came up within the
// startup timeout.
func (m *Manager) BootingToStartupFailed(component, id, errorCode, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(component, id, StatusBooting, StatusStartupFailed, errorCode, map[string]interface{}{
		"error_code":    errorCode,
		"error_message": errorMessage,
		"failed_at":     now,
	})
}

// ReadyToDraining starts a graceful shutdown. Only an explicit operator
// command enters draining; automatic paths go straight to terminating.
func (m *Manager) ReadyToDraining(component, id, reason string) (bool, error) {
	return m.transition(component, id, StatusReady, StatusDraining, reason, map[string]interface{}{
		"deletion_reason": reason,
	})
}

// ToTerminating moves an instance into terminating from any status where
// that edge is legal. It returns the status the write won from, or empty if
// no attempt won.
func (m *Manager) ToTerminating(component, id, reason string) (string, error) {
	for _, from := range []string{StatusReady, StatusDraining, StatusBooting, StatusProvisioning, StatusStartupFailed, StatusProvisioningFailed} {
		won, err := m.transition(component, id, from, StatusTerminating, reason, map[string]interface{}{
			"deletion_reason": reason,
		})
		if err != nil {
			return "", err
		}
		if won {
			return from, nil
		}
	}
	return "", nil
}

// TerminatingToTerminated finishes a delete once the provider resource is
// confirmed gone.
func (m *Manager) TerminatingToTerminated(component, id string) (bool, error) {
	now := time.Now().UTC()
	return m.transition(component, id, StatusTerminating, StatusTerminated, "provider resource deleted", map[string]interface{}{
		"terminated_at": now,
	})
}

// MarkProviderDeleted records that the provider resource vanished out from
// under us. No provider call is made; the resource is already gone.
func (m *Manager) MarkProviderDeleted(component, id, fromStatus string) (bool, error) {
	now := time.Now().UTC()
	if fromStatus == StatusTerminating {
		return m.transition(component, id, StatusTerminating, StatusTerminated, "deleted by provider", map[string]interface{}{
			"terminated_at":       now,
			"deleted_by_provider": true,
			"deletion_reason":     "deleted_by_provider",
		})
	}
	// Two legal hops collapsed into one write: the resource is gone, so
	// terminating would have nothing to do.
	result := m.db.Model(&models.Instance{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":              StatusTerminated,
			"terminated_at":       now,
			"deleted_by_provider": true,
			"deletion_reason":     "deleted_by_provider",
		})
	if result.Error != nil {
		return false, fmt.Errorf("lifecycle: mark provider deleted %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if err := m.log.Transition(component, id, fromStatus, StatusTerminated, "deleted by provider"); err != nil {
		return true, err
	}
	return true, nil
}

// TerminatedToArchived retires a terminated instance from all queries.
func (m *Manager) TerminatedToArchived(component, id string) (bool, error) {
	return m.transition(component, id, StatusTerminated, StatusArchived, "archived", map[string]interface{}{
		"is_archived": true,
	})
}

// Reinstall re-enters booting after the provider rebuilt the machine. The
// worker fields are cleared so stale heartbeats cannot promote the instance
// before the new worker registers.
func (m *Manager) Reinstall(component, id string) (bool, error) {
	now := time.Now().UTC()
	clear := map[string]interface{}{
		"boot_started_at":        now,
		"ready_at":               nil,
		"worker_last_heartbeat":  nil,
		"worker_status":          "",
		"worker_model_id":        "",
		"worker_queue_depth":     nil,
		"worker_gpu_utilization": nil,
		"worker_health_port":     nil,
		"worker_inference_port":  nil,
		"health_check_failures":  0,
		"error_code":             "",
		"error_message":          "",
	}
	for _, from := range []string{StatusReady, StatusStartupFailed} {
		won, err := m.transition(component, id, from, StatusBooting, "reinstall", clear)
		if err != nil {
			return false, err
		}
		if won {
			return true, nil
		}
	}
	return false, nil
}

// ClaimForReconciliation takes the per-instance lease by stamping
// last_reconciliation, but only if the current stamp is older than window.
// Exactly one concurrent caller wins.
func (m *Manager) ClaimForReconciliation(id string, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-window)
	result := m.db.Model(&models.Instance{}).
		Where("id = ? AND (last_reconciliation IS NULL OR last_reconciliation < ?)", id, cutoff).
		Update("last_reconciliation", now)
	if result.Error != nil {
		return false, fmt.Errorf("lifecycle: claim %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}
