package models

import "time"

// ActionLog is an append-only audit record for every state transition and
// external call attempt. Rows are never updated after CompletedAt is set and
// never deleted.
type ActionLog struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ActionType   string    `gorm:"size:64;index;not null"`
	Component    string    `gorm:"size:32;not null"`
	Status       string    `gorm:"size:16;index;not null"` // in_progress|success|failed
	InstanceID   string    `gorm:"size:36;index"`
	FromStatus   string    `gorm:"size:24"`
	ToStatus     string    `gorm:"size:24"`
	DurationMS   int
	ErrorCode    string    `gorm:"size:64"`
	ErrorMessage string    `gorm:"type:text"`
	Metadata     string    `gorm:"type:text"` // JSON, free-form context
	ParentLogID  string    `gorm:"size:36;index"`
	CreatedAt    time.Time `gorm:"index"`
	CompletedAt  *time.Time
}

// Action log statuses.
const (
	LogInProgress = "in_progress"
	LogSuccess    = "success"
	LogFailed     = "failed"
)

// StateTransition is one row per observed instance state change.
type StateTransition struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID string `gorm:"size:36;index;not null"`
	FromStatus string `gorm:"size:24;not null"`
	ToStatus   string `gorm:"size:24;not null"`
	Reason     string `gorm:"size:255"`
	CreatedAt  time.Time
}

func (ActionLog) TableName() string       { return "action_logs" }
func (StateTransition) TableName() string { return "state_transitions" }
