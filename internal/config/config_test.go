package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() is not valid: %v", err)
	}
}

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != Default().HTTPAddr {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateFile != Default().StateFile {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disksurvey.yaml")
	content := "http_addr: \":9999\"\nrescan_interval: 45s\nmcp_enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("http_addr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.RescanInterval != Duration(45*time.Second) {
		t.Errorf("rescan_interval = %s, want 45s", time.Duration(cfg.RescanInterval))
	}
	if !cfg.MCPEnabled {
		t.Errorf("mcp_enabled = false, want true")
	}
	if cfg.TURInterval != Default().TURInterval {
		t.Errorf("unset fields must keep their default: tur_interval = %s", cfg.TURInterval)
	}
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	cfg := Default()
	cfg.RescanInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero rescan_interval")
	}
}

func TestValidateRejectsBadHTTPAddr(t *testing.T) {
	cfg := Default()
	cfg.HTTPAddr = "not-a-valid-addr"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for malformed http_addr")
	}
}

func TestMaxDisksIsFixed(t *testing.T) {
	if MaxDisks != 128 {
		t.Fatalf("MaxDisks = %d, want 128 (data-model invariant, not configurable)", MaxDisks)
	}
}
