package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleprov/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	DeviceName string          `yaml:"device_name" default:"bleprov"`
	Backend    string          `yaml:"backend" default:"bluez"` // "bluez" or "hci"
	HCIDevice  int             `yaml:"hci_device"`
	Service    ServiceConfig   `yaml:"service"`
	Advertise  AdvertiseConfig `yaml:"advertise"`
	LogLevel   string          `yaml:"log_level" default:"info"`
}

// ServiceConfig holds the GATT service layout.
type ServiceConfig struct {
	ServiceUUID        string `yaml:"service_uuid" default:"00001111-0000-1000-8000-00805f9b34fb"`
	CharacteristicUUID string `yaml:"characteristic_uuid" default:"00008888-0000-1000-8000-00805f9b34fb"`
	DescriptorUUID     string `yaml:"descriptor_uuid" default:"00002902-0000-1000-8000-00805f9b34fb"`
	DescriptorValue    string `yaml:"descriptor_value" default:"WIFI ACCOUNT"`
}

// AdvertiseConfig holds advertising settings.
type AdvertiseConfig struct {
	Mode        string        `yaml:"mode" default:"low_latency"`
	TxPower     string        `yaml:"tx_power" default:"high"`
	Connectable bool          `yaml:"connectable" default:"true"`
	Timeout     time.Duration `yaml:"timeout"` // 0 advertises until shutdown
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DeviceName = strings.TrimSpace(cfg.DeviceName)
	cfg.Service.ServiceUUID = canonicalUUID(cfg.Service.ServiceUUID)
	cfg.Service.CharacteristicUUID = canonicalUUID(cfg.Service.CharacteristicUUID)
	cfg.Service.DescriptorUUID = canonicalUUID(cfg.Service.DescriptorUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case ble.BackendBlueZ, ble.BackendHCI:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", ble.BackendBlueZ, ble.BackendHCI, c.Backend)
	}

	if c.HCIDevice < 0 {
		return fmt.Errorf("hci_device must be >= 0, got %d", c.HCIDevice)
	}

	for _, f := range []struct{ key, value string }{
		{"service.service_uuid", c.Service.ServiceUUID},
		{"service.characteristic_uuid", c.Service.CharacteristicUUID},
		{"service.descriptor_uuid", c.Service.DescriptorUUID},
	} {
		if _, err := uuid.Parse(f.value); err != nil {
			return fmt.Errorf("%s must be a 128-bit UUID, got %q", f.key, f.value)
		}
	}

	if _, err := ble.ParseAdvertiseMode(c.Advertise.Mode); err != nil {
		return fmt.Errorf("advertise.mode must be low_power, balanced, or low_latency, got %q", c.Advertise.Mode)
	}

	if _, err := ble.ParseTxPower(c.Advertise.TxPower); err != nil {
		return fmt.Errorf("advertise.tx_power must be ultra_low, low, medium, or high, got %q", c.Advertise.TxPower)
	}

	if c.Advertise.Timeout < 0 {
		return fmt.Errorf("advertise.timeout must be >= 0, got %s", c.Advertise.Timeout)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps log_level to a slog level. Unknown values fall back
// to info.
func (c *Config) ParseLogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BackendOptions returns the adapter selection for ble.NewAdapter.
func (c *Config) BackendOptions() ble.BackendOptions {
	return ble.BackendOptions{
		Backend:   c.Backend,
		HCIDevice: c.HCIDevice,
	}
}

// ManagerOptions converts the config into peripheral options. Call
// Validate first; unparseable advertise values keep the ble defaults.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	opts := ble.DefaultManagerOptions()
	opts.DeviceName = c.DeviceName
	opts.Service = ble.ServiceOptions{
		ServiceUUID:        canonicalUUID(c.Service.ServiceUUID),
		CharacteristicUUID: canonicalUUID(c.Service.CharacteristicUUID),
		DescriptorUUID:     canonicalUUID(c.Service.DescriptorUUID),
		DescriptorValue:    c.Service.DescriptorValue,
	}
	if mode, err := ble.ParseAdvertiseMode(c.Advertise.Mode); err == nil {
		opts.Advertise.Mode = mode
	}
	if power, err := ble.ParseTxPower(c.Advertise.TxPower); err == nil {
		opts.Advertise.TxPower = power
	}
	opts.Advertise.Connectable = c.Advertise.Connectable
	opts.Advertise.Timeout = c.Advertise.Timeout
	return opts
}

const defaultHeader = `# bleprov configuration
#
# backend:    bluez (BlueZ over D-Bus) or hci (raw HCI socket; stop bluetoothd first)
# advertise:  mode is low_power, balanced or low_latency;
#             tx_power is ultra_low, low, medium or high;
#             timeout 0s advertises until shutdown.
# log_level:  debug, info, warn or error
`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists there it is left untouched and WriteDefault returns "".
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// canonicalUUID rewrites any form uuid.Parse accepts (braces, urn:uuid:,
// no dashes) as the dashed lower-case form both Bluetooth backends parse.
// Values that do not parse are returned unchanged for Validate to report.
func canonicalUUID(s string) string {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return u.String()
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
