// Package config loads the bridge process's environment-derived settings
// using the same struct-tag convention as the predecessor's goconfig-based
// loader, plus the per-device configuration document persisted under the
// user's config directory (§3 "device configuration is persisted across
// restarts").
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m0rjc/goconfig"

	"github.com/m0rjc/research-bridge/internal/device"
)

// ServerConfig holds the loopback control-channel listener settings (§2, §5).
type ServerConfig struct {
	Port int    `key:"BRIDGE_PORT" default:"9000" min:"1" max:"65535"`
	Host string `key:"BRIDGE_HOST" default:"127.0.0.1"`
}

// MetricsConfig holds the optional Prometheus scrape endpoint settings
// (§4.8). It is bound to loopback by default; operators who want a remote
// scraper must front it with their own reverse proxy.
type MetricsConfig struct {
	Enabled bool   `key:"METRICS_ENABLED" default:"true"`
	Host    string `key:"METRICS_HOST" default:"127.0.0.1"`
	Port    int    `key:"METRICS_PORT" default:"9090" min:"1" max:"65535"`
}

// RouterConfig holds command-dispatch tuning (§5).
type RouterConfig struct {
	CommandDeadlineMs int `key:"COMMAND_DEADLINE_MS" default:"5000" min:"1"`
	EventBusBufferLen int `key:"EVENT_BUS_BUFFER" default:"1000" min:"1"`
}

// Config is the complete bridge process configuration.
type Config struct {
	Server  ServerConfig
	Metrics MetricsConfig
	Router  RouterConfig
}

// Load loads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := goconfig.Load(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// DeviceDocument is the persisted per-device configuration set, written
// whenever a client issues a successful connect/configure and read back on
// the next process start so a device reconnects with its last-known
// settings (§3).
type DeviceDocument struct {
	TTL    *device.TTLConfig    `json:"ttl,omitempty"`
	Kernel *device.KernelConfig `json:"kernel,omitempty"`
	Pupil  *device.PupilConfig  `json:"pupil,omitempty"`
	LSL    *device.LslConfig    `json:"lsl,omitempty"`
}

// devicesFileName is the persisted document's file name under the bridge's
// config directory.
const devicesFileName = "devices.json"

// DevicesPath returns the path to the persisted device configuration
// document, creating the containing directory if needed.
func DevicesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	bridgeDir := filepath.Join(dir, "research-bridge")
	if err := os.MkdirAll(bridgeDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return filepath.Join(bridgeDir, devicesFileName), nil
}

// LoadDevices reads the persisted device document, returning an empty
// (zero-value) document if the file does not yet exist.
func LoadDevices() (DeviceDocument, error) {
	path, err := DevicesPath()
	if err != nil {
		return DeviceDocument{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DeviceDocument{}, nil
		}
		return DeviceDocument{}, fmt.Errorf("read device config: %w", err)
	}
	var doc DeviceDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DeviceDocument{}, fmt.Errorf("parse device config: %w", err)
	}
	return doc, nil
}

// SaveDevices persists doc, overwriting any existing document.
func SaveDevices(doc DeviceDocument) error {
	path, err := DevicesPath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write device config: %w", err)
	}
	return nil
}
