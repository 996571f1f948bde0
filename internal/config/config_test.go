package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleprov/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DeviceName != "bleprov" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "bleprov")
	}
	if cfg.Backend != "bluez" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "bluez")
	}
	if cfg.HCIDevice != 0 {
		t.Errorf("HCIDevice = %d, want 0", cfg.HCIDevice)
	}
	if cfg.Service.ServiceUUID != ble.ServiceUUID {
		t.Errorf("Service.ServiceUUID = %q, want %q", cfg.Service.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Service.CharacteristicUUID != ble.CredentialCharUUID {
		t.Errorf("Service.CharacteristicUUID = %q, want %q", cfg.Service.CharacteristicUUID, ble.CredentialCharUUID)
	}
	if cfg.Service.DescriptorUUID != ble.ConfigDescUUID {
		t.Errorf("Service.DescriptorUUID = %q, want %q", cfg.Service.DescriptorUUID, ble.ConfigDescUUID)
	}
	if cfg.Service.DescriptorValue != ble.DefaultDescriptorValue {
		t.Errorf("Service.DescriptorValue = %q, want %q", cfg.Service.DescriptorValue, ble.DefaultDescriptorValue)
	}
	if cfg.Advertise.Mode != "low_latency" {
		t.Errorf("Advertise.Mode = %q, want %q", cfg.Advertise.Mode, "low_latency")
	}
	if cfg.Advertise.TxPower != "high" {
		t.Errorf("Advertise.TxPower = %q, want %q", cfg.Advertise.TxPower, "high")
	}
	if !cfg.Advertise.Connectable {
		t.Error("Advertise.Connectable = false, want true")
	}
	if cfg.Advertise.Timeout != 0 {
		t.Errorf("Advertise.Timeout = %v, want 0", cfg.Advertise.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device_name: kitchen-pi
backend: hci
hci_device: 1
service:
  service_uuid: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
  descriptor_value: SETUP
advertise:
  mode: balanced
  tx_power: low
  connectable: false
  timeout: 2m
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DeviceName != "kitchen-pi" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "kitchen-pi")
	}
	if cfg.Backend != "hci" || cfg.HCIDevice != 1 {
		t.Errorf("Backend = %q/%d, want hci/1", cfg.Backend, cfg.HCIDevice)
	}
	if cfg.Service.ServiceUUID != "6e400001-b5a3-f393-e0a9-e50e24dcca9e" {
		t.Errorf("Service.ServiceUUID = %q", cfg.Service.ServiceUUID)
	}
	if cfg.Service.CharacteristicUUID != ble.CredentialCharUUID {
		t.Errorf("Service.CharacteristicUUID = %q, want default", cfg.Service.CharacteristicUUID)
	}
	if cfg.Service.DescriptorValue != "SETUP" {
		t.Errorf("Service.DescriptorValue = %q, want %q", cfg.Service.DescriptorValue, "SETUP")
	}
	if cfg.Advertise.Mode != "balanced" || cfg.Advertise.TxPower != "low" {
		t.Errorf("Advertise = %+v, want balanced/low", cfg.Advertise)
	}
	if cfg.Advertise.Connectable {
		t.Error("Advertise.Connectable = true, want false")
	}
	if cfg.Advertise.Timeout != 2*time.Minute {
		t.Errorf("Advertise.Timeout = %v, want 2m", cfg.Advertise.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.LogLevel = "warn"
	if *cfg != *want {
		t.Errorf("Load() = %+v, want %+v", cfg, want)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "bleprov.yaml"), []byte("device_name: tilde\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/bleprov.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeviceName != "tilde" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "tilde")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("advertise: [not, a, map\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "hci backend",
			modify:  func(c *Config) { c.Backend = "hci"; c.HCIDevice = 2 },
			wantErr: false,
		},
		{
			name:    "empty device name uses adapter name",
			modify:  func(c *Config) { c.DeviceName = "" },
			wantErr: false,
		},
		{
			name:    "braced service uuid",
			modify:  func(c *Config) { c.Service.ServiceUUID = "{00001111-0000-1000-8000-00805f9b34fb}" },
			wantErr: false,
		},
		{
			name:    "urn characteristic uuid",
			modify:  func(c *Config) { c.Service.CharacteristicUUID = "urn:uuid:00008888-0000-1000-8000-00805f9b34fb" },
			wantErr: false,
		},
		{
			name:    "dashless descriptor uuid",
			modify:  func(c *Config) { c.Service.DescriptorUUID = "0000290200001000800000805F9B34FB" },
			wantErr: false,
		},
		{
			name:    "invalid backend",
			modify:  func(c *Config) { c.Backend = "corebluetooth" },
			wantErr: true,
		},
		{
			name:    "negative hci device",
			modify:  func(c *Config) { c.HCIDevice = -1 },
			wantErr: true,
		},
		{
			name:    "invalid service uuid",
			modify:  func(c *Config) { c.Service.ServiceUUID = "1111" },
			wantErr: true,
		},
		{
			name:    "invalid characteristic uuid",
			modify:  func(c *Config) { c.Service.CharacteristicUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "empty descriptor uuid",
			modify:  func(c *Config) { c.Service.DescriptorUUID = "" },
			wantErr: true,
		},
		{
			name:    "invalid advertise mode",
			modify:  func(c *Config) { c.Advertise.Mode = "fast" },
			wantErr: true,
		},
		{
			name:    "invalid tx power",
			modify:  func(c *Config) { c.Advertise.TxPower = "max" },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.Advertise.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.ParseLogLevel(); got != tt.want {
				t.Errorf("ParseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManagerOptions(t *testing.T) {
	cfg := Default()
	cfg.DeviceName = "porch"
	cfg.Service.DescriptorValue = "SETUP"
	cfg.Advertise.Mode = "low_power"
	cfg.Advertise.TxPower = "medium"
	cfg.Advertise.Connectable = false
	cfg.Advertise.Timeout = 30 * time.Second

	opts := cfg.ManagerOptions()

	if opts.DeviceName != "porch" {
		t.Errorf("DeviceName = %q, want %q", opts.DeviceName, "porch")
	}
	if opts.Service.ServiceUUID != ble.ServiceUUID || opts.Service.DescriptorValue != "SETUP" {
		t.Errorf("Service = %+v", opts.Service)
	}
	if opts.Advertise.Mode != ble.AdvertiseLowPower {
		t.Errorf("Advertise.Mode = %v, want low_power", opts.Advertise.Mode)
	}
	if opts.Advertise.TxPower != ble.TxPowerMedium {
		t.Errorf("Advertise.TxPower = %v, want medium", opts.Advertise.TxPower)
	}
	if opts.Advertise.Connectable {
		t.Error("Advertise.Connectable = true, want false")
	}
	if opts.Advertise.Timeout != 30*time.Second {
		t.Errorf("Advertise.Timeout = %v, want 30s", opts.Advertise.Timeout)
	}
}

func TestManagerOptionsCanonicalizesUUIDs(t *testing.T) {
	cfg := Default()
	cfg.Service.ServiceUUID = "{00001111-0000-1000-8000-00805F9B34FB}"
	cfg.Service.CharacteristicUUID = "urn:uuid:00008888-0000-1000-8000-00805f9b34fb"
	cfg.Service.DescriptorUUID = "0000290200001000800000805f9b34fb"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	opts := cfg.ManagerOptions()
	if opts.Service.ServiceUUID != ble.ServiceUUID {
		t.Errorf("ServiceUUID = %q, want %q", opts.Service.ServiceUUID, ble.ServiceUUID)
	}
	if opts.Service.CharacteristicUUID != ble.CredentialCharUUID {
		t.Errorf("CharacteristicUUID = %q, want %q", opts.Service.CharacteristicUUID, ble.CredentialCharUUID)
	}
	if opts.Service.DescriptorUUID != ble.ConfigDescUUID {
		t.Errorf("DescriptorUUID = %q, want %q", opts.Service.DescriptorUUID, ble.ConfigDescUUID)
	}
}

func TestLoadCanonicalizesUUIDs(t *testing.T) {
	yamlContent := `
service:
  service_uuid: "{6E400001-B5A3-F393-E0A9-E50E24DCCA9E}"
  characteristic_uuid: urn:uuid:6e400002-b5a3-f393-e0a9-e50e24dcca9e
  descriptor_uuid: 0000290200001000800000805f9b34fb
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.ServiceUUID != "6e400001-b5a3-f393-e0a9-e50e24dcca9e" {
		t.Errorf("Service.ServiceUUID = %q", cfg.Service.ServiceUUID)
	}
	if cfg.Service.CharacteristicUUID != "6e400002-b5a3-f393-e0a9-e50e24dcca9e" {
		t.Errorf("Service.CharacteristicUUID = %q", cfg.Service.CharacteristicUUID)
	}
	if cfg.Service.DescriptorUUID != ble.ConfigDescUUID {
		t.Errorf("Service.DescriptorUUID = %q", cfg.Service.DescriptorUUID)
	}
}

func TestDefaultManagerOptionsMatchBLEDefaults(t *testing.T) {
	opts := Default().ManagerOptions()
	want := ble.DefaultAdvertiseSettings()
	if opts.Advertise != want {
		t.Errorf("Advertise = %+v, want %+v", opts.Advertise, want)
	}
	if opts.Service != ble.DefaultServiceOptions() {
		t.Errorf("Service = %+v, want %+v", opts.Service, ble.DefaultServiceOptions())
	}
}

func TestBackendOptions(t *testing.T) {
	cfg := Default()
	cfg.Backend = "hci"
	cfg.HCIDevice = 1

	opts := cfg.BackendOptions()
	if opts.Backend != ble.BackendHCI || opts.HCIDevice != 1 {
		t.Errorf("BackendOptions() = %+v, want hci/1", opts)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "bleprov", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# bleprov") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg != *Default() {
		t.Errorf("written config = %+v, want defaults", cfg)
	}

	// And it loads back as a valid config.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "bleprov")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("device_name: custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
