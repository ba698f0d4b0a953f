package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults returned error: %v", err)
	}

	if cfg.Store.Engine != EngineBolt {
		t.Errorf("default engine = %q, want bolt", cfg.Store.Engine)
	}
	if cfg.Store.Path != "/var/cache/couriergrey/deliveryattempts.db" {
		t.Errorf("default store path = %q", cfg.Store.Path)
	}
	if cfg.Store.OpenAttempts != 10 {
		t.Errorf("default open attempts = %d, want 10", cfg.Store.OpenAttempts)
	}
	if got := CalculateBetweenTime(cfg.Store.RetryDelay); got != time.Second {
		t.Errorf("default retry delay = %s, want 1s", got)
	}
	if got := cfg.GreylistWindow(); got != 2*time.Minute {
		t.Errorf("default greylist window = %s, want 2m", got)
	}
	if cfg.SocketPath != "/var/lib/courier/allfilters/couriergrey" {
		t.Errorf("default socket path = %q", cfg.SocketPath)
	}
	if cfg.WhitelistPath != "/etc/courier/filters/whitelist_ip" {
		t.Errorf("default whitelist path = %q", cfg.WhitelistPath)
	}
	if cfg.Store.LockTimeout() != 250*time.Millisecond {
		t.Errorf("default lock timeout = %s", cfg.Store.LockTimeout())
	}
}

func TestReadSettingsMissingFileUsesDefaults(t *testing.T) {
	orig := GetConfig()
	t.Cleanup(func() { SetConfig(orig) })

	cfg, err := ReadSettings(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}
	if cfg.Store.Engine != EngineBolt {
		t.Fatalf("engine = %q, want bolt", cfg.Store.Engine)
	}
}

func TestReadSettingsMergesFileAndEnv(t *testing.T) {
	orig := GetConfig()
	t.Cleanup(func() { SetConfig(orig) })

	path := filepath.Join(t.TempDir(), "couriergrey.json")
	content := `{"greylist": {"window": {"minutes": 5}}, "store": {"engine": "SQL", "sql": {"driver": "sqlite", "dsn": "file.db"}}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	t.Setenv("COURIERGREY_SQL_DSN", "override.db")
	t.Setenv("COURIERGREY_RETENTION_DAYS", "7")

	cfg, err := ReadSettings(path)
	if err != nil {
		t.Fatalf("ReadSettings returned error: %v", err)
	}

	if cfg.Store.Engine != EngineSQL {
		t.Errorf("engine = %q, want sql", cfg.Store.Engine)
	}
	if cfg.Store.SQL.Driver != "sqlite" || cfg.Store.SQL.DSN != "override.db" {
		t.Errorf("sql config = %+v", cfg.Store.SQL)
	}
	if cfg.Maintenance.RetentionDays != 7 {
		t.Errorf("retention days = %d, want 7", cfg.Maintenance.RetentionDays)
	}
	if cfg.GreylistWindow() != 5*time.Minute {
		t.Errorf("window = %s, want 5m", cfg.GreylistWindow())
	}
	if cfg.Store.OpenAttempts != 10 {
		t.Errorf("unset keys lost their defaults: open attempts = %d", cfg.Store.OpenAttempts)
	}
	if GetConfig().Store.SQL.DSN != "override.db" {
		t.Error("ReadSettings did not publish the config")
	}
}

func TestReadSettingsRejectsUnknownEngine(t *testing.T) {
	orig := GetConfig()
	t.Cleanup(func() { SetConfig(orig) })

	t.Setenv("COURIERGREY_STORE_ENGINE", "mysql")
	if _, err := ReadSettings(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("ReadSettings accepted an unknown engine")
	}
}

func TestReadSettingsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := ReadSettings(path); err == nil {
		t.Fatal("ReadSettings accepted invalid JSON")
	}
}
