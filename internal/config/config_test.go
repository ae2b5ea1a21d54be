package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 427 {
		t.Errorf("Port = %d, want 427", cfg.Port)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "DEFAULT" {
		t.Errorf("Scopes = %v, want [DEFAULT]", cfg.Scopes)
	}
	if cfg.AdvertisementPeriod().Seconds() != 10800 {
		t.Errorf("AdvertisementPeriod = %v, want 3h", cfg.AdvertisementPeriod())
	}
	if cfg.PurgePeriod() != 0 {
		t.Errorf("PurgePeriod = %v, want 0 (disabled)", cfg.PurgePeriod())
	}
}

func TestLoader_ParseOverridesDefaults(t *testing.T) {
	data := []byte(`
addresses: ["192.0.2.1"]
port: 1427
scopes: ["engineering", "default"]
advertisementPeriodSeconds: 60
expiredServicesPurgePeriodSeconds: 30
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 1427 {
		t.Errorf("Port = %d, want 1427", cfg.Port)
	}
	if len(cfg.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", cfg.Scopes)
	}
	if cfg.PurgePeriod().Seconds() != 30 {
		t.Errorf("PurgePeriod = %v, want 30s", cfg.PurgePeriod())
	}
}

func TestLoader_ExpandsEnvVars(t *testing.T) {
	os.Setenv("SLPDA_TEST_SCOPE", "acme")
	defer os.Unsetenv("SLPDA_TEST_SCOPE")

	data := []byte(`scopes: ["${SLPDA_TEST_SCOPE}"]`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Scopes[0] != "acme" {
		t.Errorf("Scopes[0] = %q, want acme", cfg.Scopes[0])
	}
}

func TestLoader_ValidateRejectsBadPort(t *testing.T) {
	data := []byte(`port: 70000`)
	if _, err := NewLoader().Parse(data); err == nil {
		t.Error("Parse() error = nil, want validation failure for out-of-range port")
	}
}

func TestLoader_ValidateRejectsNoScopes(t *testing.T) {
	data := []byte(`scopes: []`)
	if _, err := NewLoader().Parse(data); err == nil {
		t.Error("Parse() error = nil, want validation failure for empty scopes")
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slpd.yaml")
	if err := os.WriteFile(path, []byte("port: 1427\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 1427 {
		t.Errorf("Port = %d, want 1427", cfg.Port)
	}
}

func TestExpandWildcards_LiteralAddressesUntouched(t *testing.T) {
	cfg := &Config{Addresses: []string{"192.0.2.1", "192.0.2.2"}}
	got, err := ExpandWildcards(cfg)
	if err != nil {
		t.Fatalf("ExpandWildcards() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ExpandWildcards() = %v, want 2 literal entries unchanged", got)
	}
}

func TestExpandWildcards_ExpandsToInterfaces(t *testing.T) {
	cfg := &Config{Addresses: []string{"0.0.0.0"}}
	got, err := ExpandWildcards(cfg)
	if err != nil {
		t.Skipf("no non-loopback interface available in this sandbox: %v", err)
	}
	if len(got) == 0 {
		t.Error("ExpandWildcards() returned no addresses")
	}
}

func TestWatch_AppliesReloadedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slpd.yaml")
	if err := os.WriteFile(path, []byte("port: 427\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 1)
	go Watch(ctx, path, 10*time.Millisecond, nil, func(cfg *Config) { applied <- cfg })

	// Give the fsnotify watch a moment to establish before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("port: 1428\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.Port != 1428 {
			t.Errorf("reloaded Port = %d, want 1428", cfg.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatch_DiscardsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slpd.yaml")
	if err := os.WriteFile(path, []byte("port: 427\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 2)
	go Watch(ctx, path, 10*time.Millisecond, nil, func(cfg *Config) { applied <- cfg })

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("port: 70000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// The invalid write must be dropped; only this one may reach apply.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("port: 1429\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.Port != 1429 {
			t.Errorf("applied Port = %d, want 1429 (invalid reload must be discarded)", cfg.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the valid reload")
	}
}
