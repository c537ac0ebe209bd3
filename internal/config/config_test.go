package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestDurationUnmarshalsFromString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "server:\n  address: 0.0.0.0:9000\n  ping_interval: 45s\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != "0.0.0.0:9000" {
		t.Errorf("got address %q", cfg.Server.Address)
	}
	if cfg.Server.PingInterval.Duration() != 45*time.Second {
		t.Errorf("got ping interval %v, want 45s", cfg.Server.PingInterval.Duration())
	}
	// Unspecified fields keep their Default() values.
	if cfg.Server.WorkerPoolCapacity != 256 {
		t.Errorf("got worker pool capacity %d, want 256 (from defaults)", cfg.Server.WorkerPoolCapacity)
	}
}

func TestValidateRejectsEmptyEncodings(t *testing.T) {
	cfg := Default()
	cfg.Server.SupportedEncodings = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty supported_encodings")
	}
}

func TestValidateRejectsFrameTapWithoutAdmin(t *testing.T) {
	cfg := Default()
	cfg.Admin.EnableFrameTap = true
	cfg.Admin.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for frame tap enabled without admin server")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
