package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rns-go/ble-mesh-adapter/internal/config"
	"github.com/rns-go/ble-mesh-adapter/internal/driver"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.ServiceUUID != config.DefaultServiceUUID {
		t.Errorf("ServiceUUID = %q, want %q", cfg.ServiceUUID, config.DefaultServiceUUID)
	}
	if cfg.MaxConnections != 7 {
		t.Errorf("MaxConnections = %d, want 7", cfg.MaxConnections)
	}
	if cfg.MinRSSI != -85 {
		t.Errorf("MinRSSI = %d, want -85", cfg.MinRSSI)
	}
	if cfg.PowerMode != driver.PowerBalanced {
		t.Errorf("PowerMode = %v, want %v", cfg.PowerMode, driver.PowerBalanced)
	}
	if !cfg.EnableCentral || !cfg.EnablePeripheral {
		t.Errorf("both roles should be enabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
min_rssi: -70
max_connections: 3
power_mode: "aggressive"
device_name: "RNS-test"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.MinRSSI != -70 {
		t.Errorf("MinRSSI = %d, want -70", cfg.MinRSSI)
	}
	if cfg.MaxConnections != 3 {
		t.Errorf("MaxConnections = %d, want 3", cfg.MaxConnections)
	}
	if cfg.PowerMode != driver.PowerAggressive {
		t.Errorf("PowerMode = %v, want %v", cfg.PowerMode, driver.PowerAggressive)
	}
	if cfg.DeviceName != "RNS-test" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "RNS-test")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override min_rssi; everything else inherits
	// from DefaultConfig.
	path := writeTemp(t, "min_rssi: -90\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.MinRSSI != -90 {
		t.Errorf("MinRSSI = %d, want -90", cfg.MinRSSI)
	}
	if cfg.MaxConnections != 7 {
		t.Errorf("MaxConnections should inherit default 7, got %d", cfg.MaxConnections)
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("ConnectionTimeout should inherit default 30s, got %v", cfg.ConnectionTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BLEMESH_MIN_RSSI", "-60")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.MinRSSI != -60 {
		t.Errorf("MinRSSI = %d, want -60 from env override", cfg.MinRSSI)
	}
}

func TestLoadWithNoPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	want := config.DefaultConfig()
	if cfg.ServiceUUID != want.ServiceUUID || cfg.MaxConnections != want.MaxConnections {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", cfg, want)
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "blemeshd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
