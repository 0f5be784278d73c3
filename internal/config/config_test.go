package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SOLOBOT_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Singleton.StaleIdleThresholdSeconds != 120 {
		t.Errorf("StaleIdleThresholdSeconds = %d, want 120", cfg.Singleton.StaleIdleThresholdSeconds)
	}
	if cfg.Singleton.TakeoverGraceSeconds != 3 {
		t.Errorf("TakeoverGraceSeconds = %d, want 3", cfg.Singleton.TakeoverGraceSeconds)
	}
	if cfg.Singleton.WatcherBackoffBaseSeconds != 10 || cfg.Singleton.WatcherBackoffCapSeconds != 60 {
		t.Errorf("watcher backoff = %d/%d, want 10/60",
			cfg.Singleton.WatcherBackoffBaseSeconds, cfg.Singleton.WatcherBackoffCapSeconds)
	}
	if cfg.Intake.QueueSize != 100 || cfg.Intake.WorkerCount != 3 {
		t.Errorf("intake = %d/%d, want 100/3", cfg.Intake.QueueSize, cfg.Intake.WorkerCount)
	}
	if cfg.Reconciler.IntervalSeconds != 10 || cfg.Reconciler.OrphanTimeoutMinutes != 30 {
		t.Errorf("reconciler = %d/%d, want 10/30",
			cfg.Reconciler.IntervalSeconds, cfg.Reconciler.OrphanTimeoutMinutes)
	}
	if cfg.Singleton.ForceActive {
		t.Error("ForceActive should default to false")
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SOLOBOT_HOME", home)

	yml := `
bind_addr: "0.0.0.0:9000"
singleton:
  namespace: staging
  stale_idle_threshold_seconds: 300
intake:
  queue_size: 50
  passive_allow_list: ["restart"]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOLOBOT_QUEUE_SIZE", "200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Singleton.Namespace != "staging" {
		t.Errorf("Namespace = %q", cfg.Singleton.Namespace)
	}
	if cfg.Singleton.StaleIdleThresholdSeconds != 300 {
		t.Errorf("StaleIdleThresholdSeconds = %d", cfg.Singleton.StaleIdleThresholdSeconds)
	}
	// Env wins over file.
	if cfg.Intake.QueueSize != 200 {
		t.Errorf("QueueSize = %d, want 200 (env override)", cfg.Intake.QueueSize)
	}
	if len(cfg.Intake.PassiveAllowList) != 1 || cfg.Intake.PassiveAllowList[0] != "restart" {
		t.Errorf("PassiveAllowList = %v", cfg.Intake.PassiveAllowList)
	}
	// Unset sections keep defaults.
	if cfg.Reconciler.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Reconciler.BatchSize)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SOLOBOT_HOME", home)

	yml := `
singleton:
  watcher_backoff_base_seconds: 90
  watcher_backoff_cap_seconds: 30
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for cap < base")
	}
}

func TestLoad_TelegramEnabledNeedsToken(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SOLOBOT_HOME", home)

	yml := `
telegram:
  enabled: true
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for enabled telegram without token")
	}

	t.Setenv("SOLOBOT_TELEGRAM_TOKEN", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with token env: %v", err)
	}
}

func TestSingletonConfig_Durations(t *testing.T) {
	s := SingletonConfig{
		StaleIdleThresholdSeconds: 120,
		HeartbeatIntervalSeconds:  5,
	}
	if s.StaleIdleThreshold().Seconds() != 120 {
		t.Errorf("StaleIdleThreshold = %v", s.StaleIdleThreshold())
	}
	if s.HeartbeatInterval().Seconds() != 5 {
		t.Errorf("HeartbeatInterval = %v", s.HeartbeatInterval())
	}
}
