package models

import "time"

// ProviderSetting is a per-provider tunable. The scheduler only reads these;
// an external settings API owns writes.
type ProviderSetting struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Provider  string `gorm:"size:32;uniqueIndex:idx_provider_settings_key;not null"`
	Key       string `gorm:"size:64;uniqueIndex:idx_provider_settings_key;not null"`
	ValueInt  *int64
	ValueBool *bool
	ValueText string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Well-known provider setting keys.
const (
	SettingWorkerStartupTimeoutS = "WORKER_INSTANCE_STARTUP_TIMEOUT_S"
	SettingStartupTimeoutS       = "INSTANCE_STARTUP_TIMEOUT_S"
	SettingDefaultVolumeGB       = "DEFAULT_VOLUME_SIZE_GB"
	SettingWorkerHealthPort      = "WORKER_HEALTH_PORT"
	SettingWorkerInferencePort   = "WORKER_INFERENCE_PORT"
	SettingVLLMMode              = "WORKER_VLLM_MODE"
)

// WorkerToken is the hashed bearer credential a worker uses for heartbeats.
// The plaintext token is returned exactly once at registration.
type WorkerToken struct {
	InstanceID  string `gorm:"primaryKey;size:36"`
	TokenHash   string `gorm:"size:64;not null"` // sha256 hex
	TokenPrefix string `gorm:"size:12"`
	CreatedAt   time.Time
	LastSeenAt  *time.Time
	RevokedAt   *time.Time
}

// InstanceType is one catalog entry synced from a provider.
type InstanceType struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Provider     string `gorm:"size:32;uniqueIndex:idx_instance_types_code;not null"`
	Code         string `gorm:"size:64;uniqueIndex:idx_instance_types_code;not null"`
	Name         string `gorm:"size:128"`
	CostPerHour  float64
	CPUCount     int
	RAMGB        int
	GPUCount     int
	VRAMPerGPUGB int  `gorm:"column:vram_per_gpu_gb"`
	Active       bool `gorm:"default:true"`
	UpdatedAt    time.Time
}

func (ProviderSetting) TableName() string { return "provider_settings" }
func (WorkerToken) TableName() string     { return "worker_tokens" }
func (InstanceType) TableName() string    { return "instance_types" }
