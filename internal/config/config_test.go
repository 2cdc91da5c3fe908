package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/retry"
)

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screenpoints.yaml")
	content := `
log_level: debug
db_path: /var/lib/screenpoints/device.db
identity:
  family_id: fam-1
  user_id: parent-1
  role: parent
zone:
  url: https://zone.example.com
  token: secret
retry:
  max_attempts: 3
  base_delay: 100ms
  max_delay: 2s
  backoff: constant
  attempt_timeout: 5s
queue:
  drain_interval: 30s
  stuck_threshold: 4
redemption:
  window: 12h
  default_rate: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Identity.FamilyID != "fam-1" || cfg.Identity.Role != auth.RoleParent {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if cfg.Zone.URL != "https://zone.example.com" || cfg.Zone.Token != "secret" {
		t.Errorf("zone = %+v", cfg.Zone)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 100*time.Millisecond || cfg.Retry.Backoff != retry.BackoffConstant {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Retry.JitterPercent != retry.DefaultPolicy().JitterPercent {
		t.Errorf("unset retry fields should keep defaults, got jitter %d", cfg.Retry.JitterPercent)
	}
	if cfg.Queue.DrainInterval != 30*time.Second || cfg.Queue.StuckThreshold != 4 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Redemption.Window != 12*time.Hour || cfg.Redemption.DefaultRate != 5 {
		t.Errorf("redemption = %+v", cfg.Redemption)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBPath != "screenpoints.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log format = %q, want text", cfg.LogFormat)
	}
	if cfg.Retry != retry.DefaultPolicy() {
		t.Errorf("retry = %+v, want defaults", cfg.Retry)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected missing family id to fail validation")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenpoints.yaml")
	if err := os.WriteFile(path, []byte("identity:\n  family_id: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCREENPOINTS_FAMILY_ID", "from-env")
	t.Setenv("SCREENPOINTS_ROLE", "child")
	t.Setenv("SCREENPOINTS_DRAIN_INTERVAL", "15s")
	t.Setenv("SCREENPOINTS_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("SCREENPOINTS_BACKUP_BUCKET", "backups")
	t.Setenv("SCREENPOINTS_LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Identity.FamilyID != "from-env" {
		t.Errorf("family id = %q, want from-env", cfg.Identity.FamilyID)
	}
	if cfg.Identity.Role != auth.RoleChild {
		t.Errorf("role = %q, want child", cfg.Identity.Role)
	}
	if cfg.Queue.DrainInterval != 15*time.Second {
		t.Errorf("drain interval = %v", cfg.Queue.DrainInterval)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format = %q, want json", cfg.LogFormat)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Backup.Bucket != "backups" || cfg.Backup.Enabled() {
		t.Errorf("backup = %+v, should be disabled without keys", cfg.Backup)
	}
}

func TestBadEnvDuration(t *testing.T) {
	t.Setenv("SCREENPOINTS_REDEMPTION_WINDOW", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Identity.FamilyID = "fam-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	cfg.Identity.Role = "admin"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown role to fail")
	}

	cfg.Identity.Role = auth.RoleChild
	cfg.Retry.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid retry policy to fail")
	}
}

func TestActor(t *testing.T) {
	cfg := Default()
	cfg.Identity = Identity{FamilyID: "fam-1", UserID: "u1", Role: auth.RoleChild}
	a := cfg.Actor("dev-9")
	if a.DeviceID != "dev-9" || a.FamilyID != "fam-1" || a.Role != auth.RoleChild {
		t.Errorf("actor = %+v", a)
	}
}
