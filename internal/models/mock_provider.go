package models

import "time"

// MockServer backs the simulation provider. Rows here play the role of the
// remote cloud's state, so drift scenarios can be staged in tests by editing
// them directly.
type MockServer struct {
	ProviderInstanceID string `gorm:"primaryKey;size:64"`
	Zone               string `gorm:"size:32;index;not null"`
	InstanceType       string `gorm:"size:64;not null"`
	Status             string `gorm:"size:16;not null"` // created|running|terminating|terminated
	IPAddress          string `gorm:"size:45"`
	CreatedAt          time.Time
	StartedAt          *time.Time
	TerminatedAt       *time.Time
	DeleteAfter        *time.Time
}

// MockVolume is the simulation provider's remote volume state.
type MockVolume struct {
	ProviderVolumeID string `gorm:"primaryKey;size:64"`
	Zone             string `gorm:"size:32;not null"`
	Name             string `gorm:"size:128"`
	SizeGB           int
	AttachedTo       string `gorm:"size:64;index"` // mock server id, empty when detached
	Deleted          bool
	CreatedAt        time.Time
}

func (MockServer) TableName() string { return "mock_servers" }
func (MockVolume) TableName() string { return "mock_volumes" }
