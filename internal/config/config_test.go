package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/foreman/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.RetryMax != 3 {
		t.Errorf("retry_max default: want 3, got %d", cfg.RetryMax)
	}
	if cfg.Retrieval.ChunkTokens != 500 || cfg.Retrieval.ContextK != 20 {
		t.Errorf("retrieval defaults wrong: %+v", cfg.Retrieval)
	}
	if cfg.Schedule.OffHoursStart != "22:00" || cfg.Schedule.OffHoursEnd != "07:00" {
		t.Errorf("schedule defaults wrong: %+v", cfg.Schedule)
	}
	if cfg.GracePeriod() != 5*time.Minute {
		t.Errorf("grace default: want 5m, got %s", cfg.GracePeriod())
	}
	if cfg.ApprovalTimeout() != 5*time.Minute {
		t.Errorf("approval timeout default: want 5m, got %s", cfg.ApprovalTimeout())
	}
	if cfg.LedgerDBPath != filepath.Join(home, "foreman.db") {
		t.Errorf("ledger path: %s", cfg.LedgerDBPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	body := `
log_level: debug
retry_max: 5
providers:
  - id: local
    class: autonomous
    endpoint: http://127.0.0.1:9999
    max_concurrency: 4
    cost_weight: 0.5
schedule:
  off_hours_start: "21:00"
  grace_minutes: 10
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.RetryMax != 5 {
		t.Errorf("file values not applied: %s %d", cfg.LogLevel, cfg.RetryMax)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].MaxConcurrency != 4 {
		t.Errorf("provider not parsed: %+v", cfg.Providers)
	}
	if cfg.Schedule.OffHoursStart != "21:00" || cfg.Schedule.OffHoursEnd != "07:00" {
		t.Errorf("partial schedule should keep defaults: %+v", cfg.Schedule)
	}
}

func TestLoadRejectsUnknownClass(t *testing.T) {
	home := t.TempDir()
	body := `
providers:
  - id: odd
    class: hybrid
    endpoint: http://127.0.0.1:9999
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(home); err == nil {
		t.Fatal("unknown provider class should be rejected")
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want config.Clock
		ok   bool
	}{
		{"00:00", 0, true},
		{"07:30", 450, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"noon", 0, false},
	}
	for _, tc := range cases {
		got, err := config.ParseClock(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseClock(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
