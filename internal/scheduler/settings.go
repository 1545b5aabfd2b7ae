package scheduler

import (
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/models"
)

// Settings reads provider-scoped tunables with config fallbacks. Values are
// read fresh on every call so an operator edit takes effect on the next loop
// pass without a restart.
type Settings struct {
	db *gorm.DB
}

// NewSettings returns a Settings reader over db.
func NewSettings(db *gorm.DB) *Settings {
	return &Settings{db: db}
}

func (s *Settings) row(provider, key string) (*models.ProviderSetting, bool) {
	var setting models.ProviderSetting
	err := s.db.Where("provider = ? AND key = ?", provider, key).First(&setting).Error
	if err != nil {
		return nil, false
	}
	return &setting, true
}

// Int returns the integer setting for provider/key, or fallback when the row
// is missing or holds no integer.
func (s *Settings) Int(provider, key string, fallback int64) int64 {
	setting, ok := s.row(provider, key)
	if !ok || setting.ValueInt == nil {
		return fallback
	}
	return *setting.ValueInt
}

// Bool returns the boolean setting for provider/key, or fallback.
func (s *Settings) Bool(provider, key string, fallback bool) bool {
	setting, ok := s.row(provider, key)
	if !ok || setting.ValueBool == nil {
		return fallback
	}
	return *setting.ValueBool
}

// Text returns the text setting for provider/key, or fallback.
func (s *Settings) Text(provider, key, fallback string) string {
	setting, ok := s.row(provider, key)
	if !ok || setting.ValueText == "" {
		return fallback
	}
	return setting.ValueText
}

// Seconds returns an integer setting interpreted as a duration in seconds.
func (s *Settings) Seconds(provider, key string, fallback time.Duration) time.Duration {
	v := s.Int(provider, key, int64(fallback/time.Second))
	return time.Duration(v) * time.Second
}
