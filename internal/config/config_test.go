package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.Timer.DefaultDurationS != 1800 {
		t.Errorf("Timer.DefaultDurationS = %d, want 1800", cfg.Timer.DefaultDurationS)
	}
	if cfg.Notification.GracePeriodS != 30 {
		t.Errorf("Notification.GracePeriodS = %d, want 30", cfg.Notification.GracePeriodS)
	}
	if cfg.Catalog.ShortTimerThresholdS != 900 {
		t.Errorf("Catalog.ShortTimerThresholdS = %d, want 900", cfg.Catalog.ShortTimerThresholdS)
	}
	if cfg.LLM.Enabled {
		t.Error("LLM.Enabled should default to false")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("expected default config, got Port=%d", cfg.Server.Port)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "server:\n  port: 9999\nnotification:\n  grace_period_s: 0\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Notification.GracePeriodS != 0 {
		t.Errorf("Notification.GracePeriodS = %d, want 0", cfg.Notification.GracePeriodS)
	}
	// Untouched sections keep their defaults.
	if cfg.Timer.DefaultDurationS != 1800 {
		t.Errorf("Timer.DefaultDurationS = %d, want 1800 (default)", cfg.Timer.DefaultDurationS)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	old := defaultConfig()
	newCfg := defaultConfig()
	newCfg.Notification.GracePeriodS = 0
	newCfg.Privacy.MaskProjectPaths = true
	newCfg.Privacy.AllowedPaths = []string{"/home/user/*"}

	changes := Diff(old, newCfg)
	if len(changes) != 3 {
		t.Fatalf("Diff returned %d changes, want 3: %v", len(changes), changes)
	}
}

func TestDiffNoChanges(t *testing.T) {
	old := defaultConfig()
	newCfg := defaultConfig()
	if changes := Diff(old, newCfg); len(changes) != 0 {
		t.Errorf("Diff on identical configs returned %v, want none", changes)
	}
}
