// Package config defines the recognized configuration surface of the
// BLE mesh transport adapter (spec.md §6): the struct, its defaults,
// and Load, which merges the defaults with an optional YAML file and
// BLEMESH_ environment overrides. The transport core only consumes a
// Config; Load is called by the host process (cmd/blemeshd).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rns-go/ble-mesh-adapter/internal/driver"
)

// Config holds every recognized option named in spec.md §6.
type Config struct {
	ServiceUUID string `koanf:"service_uuid"`
	RXUUID      string `koanf:"rx_uuid"`
	TXUUID      string `koanf:"tx_uuid"`
	IdentityUUID string `koanf:"identity_uuid"`

	// DeviceName is normally left empty: the transport derives
	// "RNS-" || hex(identity) once the host router publishes an
	// identity. An explicit value here overrides that derivation.
	DeviceName string `koanf:"device_name"`

	DiscoveryInterval time.Duration `koanf:"discovery_interval"`
	MaxConnections    int           `koanf:"max_connections"`
	MinRSSI           int           `koanf:"min_rssi"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`

	// ServiceDiscoveryDelay is the pause after connect before GATT
	// service discovery is assumed stable on some BlueZ versions.
	ServiceDiscoveryDelay time.Duration `koanf:"service_discovery_delay"`

	PowerMode driver.PowerMode `koanf:"power_mode"`

	EnableCentral    bool `koanf:"enable_central"`
	EnablePeripheral bool `koanf:"enable_peripheral"`

	MaxDiscoveredPeers int `koanf:"max_discovered_peers"`

	ConnectionRotationInterval time.Duration `koanf:"connection_rotation_interval"`
	ConnectionRetryBackoff     time.Duration `koanf:"connection_retry_backoff"`
	MaxConnectionFailures      int           `koanf:"max_connection_failures"`

	// ReaperInterval is the period of the stale-state reaper (§4.5).
	ReaperInterval time.Duration `koanf:"reaper_interval"`

	// TraceFile, if non-empty, turns on the lz4 frame trace dump at the
	// given path (internal/diag, SPEC_FULL.md §3). Disabled by default.
	TraceFile string `koanf:"trace_file"`
}

// DefaultServiceUUID and characteristic UUIDs, spec.md §6.
const (
	DefaultServiceUUID  = "37145b00-442d-4a94-917f-8f42c5da28e3"
	DefaultRXUUID       = "37145b00-442d-4a94-917f-8f42c5da28e5"
	DefaultTXUUID       = "37145b00-442d-4a94-917f-8f42c5da28e4"
	DefaultIdentityUUID = "37145b00-442d-4a94-917f-8f42c5da28e6"
)

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		ServiceUUID:                DefaultServiceUUID,
		RXUUID:                     DefaultRXUUID,
		TXUUID:                     DefaultTXUUID,
		IdentityUUID:               DefaultIdentityUUID,
		DiscoveryInterval:          5 * time.Second,
		MaxConnections:             7,
		MinRSSI:                    -85,
		ConnectionTimeout:          30 * time.Second,
		ServiceDiscoveryDelay:      1500 * time.Millisecond,
		PowerMode:                  driver.PowerBalanced,
		EnableCentral:              true,
		EnablePeripheral:           true,
		MaxDiscoveredPeers:         100,
		ConnectionRotationInterval: 600 * time.Second,
		ConnectionRetryBackoff:     60 * time.Second,
		MaxConnectionFailures:      3,
		ReaperInterval:             30 * time.Second,
		TraceFile:                  "",
	}
}

// envPrefix is the environment variable prefix recognized by Load.
// Variables are named BLEMESH_<KEY>, e.g. BLEMESH_MIN_RSSI.
const envPrefix = "BLEMESH_"

// Load builds a Config from DefaultConfig, a YAML file (if path is
// non-empty), and BLEMESH_-prefixed environment variable overrides, in
// that order of increasing precedence.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env overrides: %w", err)
	}

	var cfg Config
	powerMode := k.String("power_mode")
	// PowerMode is an int; its string form is parsed below instead of
	// being handed to Unmarshal, which cannot decode "balanced" into it.
	k.Delete("power_mode")
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.PowerMode = driver.ParsePowerMode(powerMode)

	return cfg, nil
}

// envKeyMapper transforms BLEMESH_MIN_RSSI into min_rssi, matching the
// struct tags above.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ToLower(s)
}

// loadDefaults seeds k with cfg's fields as the base layer, so a
// partial YAML file or env override only ever narrows what it touches.
func loadDefaults(k *koanf.Koanf, cfg Config) error {
	defaults := map[string]any{
		"service_uuid":                 cfg.ServiceUUID,
		"rx_uuid":                      cfg.RXUUID,
		"tx_uuid":                      cfg.TXUUID,
		"identity_uuid":                cfg.IdentityUUID,
		"device_name":                  cfg.DeviceName,
		"discovery_interval":           cfg.DiscoveryInterval.String(),
		"max_connections":              cfg.MaxConnections,
		"min_rssi":                     cfg.MinRSSI,
		"connection_timeout":           cfg.ConnectionTimeout.String(),
		"service_discovery_delay":      cfg.ServiceDiscoveryDelay.String(),
		"power_mode":                   cfg.PowerMode.String(),
		"enable_central":               cfg.EnableCentral,
		"enable_peripheral":            cfg.EnablePeripheral,
		"max_discovered_peers":         cfg.MaxDiscoveredPeers,
		"connection_rotation_interval": cfg.ConnectionRotationInterval.String(),
		"connection_retry_backoff":     cfg.ConnectionRetryBackoff.String(),
		"max_connection_failures":      cfg.MaxConnectionFailures,
		"reaper_interval":              cfg.ReaperInterval.String(),
		"trace_file":                   cfg.TraceFile,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}
