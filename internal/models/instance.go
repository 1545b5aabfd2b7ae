package models

import "time"

// Instance is one GPU compute resource under management. Status is the only
// field other components may branch on; all mutation goes through
// internal/lifecycle so every change is a conditional write.
type Instance struct {
	ID           string `gorm:"primaryKey;size:36"`
	Provider     string `gorm:"size:32;index;not null"`
	Zone         string `gorm:"size:32;not null"`
	InstanceType string `gorm:"size:64;not null"`
	ModelID      string `gorm:"size:128"`
	Status       string `gorm:"size:24;index;not null"`

	// Provider linkage, empty until the provider resource exists.
	ProviderInstanceID string `gorm:"size:128;index"`
	IPAddress          string `gorm:"size:45"`

	// Worker liveness, nil until the worker registers.
	WorkerLastHeartbeat  *time.Time
	WorkerStatus         string `gorm:"size:16"`
	WorkerModelID        string `gorm:"size:128"`
	WorkerHealthPort     *int
	WorkerInferencePort  *int
	WorkerQueueDepth     *int
	WorkerGPUUtilization *float64
	WorkerMetadata       string `gorm:"type:text"`

	// Bookkeeping.
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ReadyAt             *time.Time
	TerminatedAt        *time.Time
	BootStartedAt       *time.Time
	LastHealthCheck     *time.Time
	LastReconciliation  *time.Time `gorm:"index"`
	HealthCheckFailures int
	RetryCount          int
	ErrorCode           string `gorm:"size:64"`
	ErrorMessage        string `gorm:"type:text"`
	FailedAt            *time.Time
	DeletionReason      string `gorm:"size:64"`
	DeletedByProvider   bool
	IsArchived          bool `gorm:"index"`
}

// InstanceVolume is one block resource owned by exactly one instance.
type InstanceVolume struct {
	ID                 string `gorm:"primaryKey;size:36"`
	InstanceID         string `gorm:"size:36;index;not null"`
	Provider           string `gorm:"size:32;not null"`
	Zone               string `gorm:"size:32;not null"`
	ProviderVolumeID   string `gorm:"size:128"`
	ProviderVolumeName string `gorm:"size:128"`
	Boot               bool
	SizeGB             int
	DeleteOnTerminate  bool
	Status             string `gorm:"size:16;index;not null"` // attached|detaching|deleted|error
	AttachedAt         time.Time
	DeletedAt          *time.Time

	// Reconciliation bookkeeping. The row itself is never removed; once the
	// provider confirms the volume gone, reconciled_at closes it for audit.
	LastReconciliation *time.Time
	ReconciledAt       *time.Time
}

// Volume statuses.
const (
	VolumeAttached  = "attached"
	VolumeDetaching = "detaching"
	VolumeDeleted   = "deleted"
	VolumeError     = "error"
)

func (Instance) TableName() string       { return "instances" }
func (InstanceVolume) TableName() string { return "instance_volumes" }
