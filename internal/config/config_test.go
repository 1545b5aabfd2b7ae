package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Redis.Channel != "roundhouse:commands" {
		t.Errorf("Redis.Channel = %q, want roundhouse:commands", cfg.Redis.Channel)
	}
	if cfg.API.Addr != ":8001" {
		t.Errorf("API.Addr = %q, want :8001", cfg.API.Addr)
	}
	if cfg.Scheduler.ProvisionInterval != 10*time.Second {
		t.Errorf("ProvisionInterval = %v, want 10s", cfg.Scheduler.ProvisionInterval)
	}
	if cfg.Scheduler.HeartbeatStaleness != 30*time.Second {
		t.Errorf("HeartbeatStaleness = %v, want 30s", cfg.Scheduler.HeartbeatStaleness)
	}
	if cfg.Scheduler.MaxProvisionRetries != 5 {
		t.Errorf("MaxProvisionRetries = %d, want 5", cfg.Scheduler.MaxProvisionRetries)
	}
	if !cfg.Providers.Mock.Enabled {
		t.Error("Mock.Enabled = false, want true when no provider configured")
	}
	if cfg.Providers.Default != "mock" {
		t.Errorf("Providers.Default = %q, want mock", cfg.Providers.Default)
	}
}

func TestParseFull(t *testing.T) {
	yml := `
database:
  driver: mysql
  host: db.internal
  port: 3307
  name: rh
  user: rh
  password: secret
redis:
  addr: redis.internal:6379
  channel: rh:cmds
scheduler:
  provision_interval: 5s
  max_provision_retries: 3
  retry_backoff_base: 30s
providers:
  default: hcloud
  hcloud:
    enabled: true
    token: abc123
    zones: [fsn1, nbg1]
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.Host != "db.internal" || cfg.Database.Port != 3307 {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Redis.Channel != "rh:cmds" {
		t.Errorf("Redis.Channel = %q, want rh:cmds", cfg.Redis.Channel)
	}
	if cfg.Scheduler.ProvisionInterval != 5*time.Second {
		t.Errorf("ProvisionInterval = %v, want 5s", cfg.Scheduler.ProvisionInterval)
	}
	if cfg.Scheduler.MaxProvisionRetries != 3 {
		t.Errorf("MaxProvisionRetries = %d, want 3", cfg.Scheduler.MaxProvisionRetries)
	}
	if len(cfg.Providers.Hcloud.Zones) != 2 {
		t.Errorf("Hcloud.Zones = %v, want two zones", cfg.Providers.Hcloud.Zones)
	}
	// mock stays disabled when another provider is explicitly enabled
	if cfg.Providers.Mock.Enabled {
		t.Error("Mock.Enabled = true, want false")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yml  string
		want string
	}{
		{
			name: "bad driver",
			yml:  "database:\n  driver: postgres\n",
			want: "database.driver",
		},
		{
			name: "default not enabled",
			yml:  "providers:\n  default: hcloud\n  mock:\n    enabled: true\n",
			want: "providers.default",
		},
		{
			name: "unknown default",
			yml:  "providers:\n  default: aws\n  mock:\n    enabled: true\n",
			want: "not a known provider",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yml))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
