// Package actionlog records every control-plane action as an append-only
// audit trail. Each action is written twice: once when it starts and once
// when it completes, so a crash mid-action leaves a visible in_progress row.
package actionlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/models"
)

// Recorder writes action log rows.
type Recorder struct {
	db *gorm.DB
}

// New returns a Recorder backed by db.
func New(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry is an in-flight action. Complete it with Succeed or Fail.
type Entry struct {
	recorder *Recorder
	ID       string
	started  time.Time
}

// Begin writes an in_progress row and returns the entry to complete later.
// instanceID may be empty for actions not tied to a single instance.
func (r *Recorder) Begin(component, actionType, instanceID string, metadata map[string]interface{}) (*Entry, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("actionlog: marshal metadata for %s: %w", actionType, err)
	}
	row := models.ActionLog{
		ID:         uuid.NewString(),
		ActionType: actionType,
		Component:  component,
		Status:     models.LogInProgress,
		InstanceID: instanceID,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("actionlog: begin %s: %w", actionType, err)
	}
	return &Entry{recorder: r, ID: row.ID, started: row.CreatedAt}, nil
}

// Succeed marks the entry success and records its duration. Extra metadata,
// if any, replaces what Begin wrote.
func (e *Entry) Succeed(metadata map[string]interface{}) error {
	return e.complete(models.LogSuccess, "", "", metadata)
}

// Fail marks the entry failed with an error code and message.
func (e *Entry) Fail(errorCode, errorMessage string) error {
	return e.complete(models.LogFailed, errorCode, errorMessage, nil)
}

func (e *Entry) complete(status, errorCode, errorMessage string, metadata map[string]interface{}) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"duration_ms":  now.Sub(e.started).Milliseconds(),
		"completed_at": now,
	}
	if errorCode != "" {
		updates["error_code"] = errorCode
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if metadata != nil {
		meta, err := marshalMetadata(metadata)
		if err != nil {
			return fmt.Errorf("actionlog: marshal metadata: %w", err)
		}
		updates["metadata"] = meta
	}
	result := e.recorder.db.Model(&models.ActionLog{}).Where("id = ?", e.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("actionlog: complete %s: %w", e.ID, result.Error)
	}
	return nil
}

// Transition records a state change on both ledgers: a completed action log
// row and a state_transitions row. It is called after the conditional update
// that performed the change has already committed.
func (r *Recorder) Transition(component, instanceID, fromStatus, toStatus, reason string) error {
	now := time.Now().UTC()
	row := models.ActionLog{
		ID:          uuid.NewString(),
		ActionType:  "state_transition",
		Component:   component,
		Status:      models.LogSuccess,
		InstanceID:  instanceID,
		FromStatus:  fromStatus,
		ToStatus:    toStatus,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := r.db.Create(&row).Error; err != nil {
		return fmt.Errorf("actionlog: record transition %s -> %s: %w", fromStatus, toStatus, err)
	}
	st := models.StateTransition{
		InstanceID: instanceID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Reason:     reason,
		CreatedAt:  now,
	}
	if err := r.db.Create(&st).Error; err != nil {
		return fmt.Errorf("actionlog: record state transition row: %w", err)
	}
	return nil
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
