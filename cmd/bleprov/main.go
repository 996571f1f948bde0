package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bleprov/internal/ble"
	"github.com/chaz8081/bleprov/internal/ble/protocol"
	"github.com/chaz8081/bleprov/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// newAdapter is replaced in tests.
var newAdapter = ble.NewAdapter

// newRootCmd builds the command tree. The root command runs the peripheral
// when called without a subcommand.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bleprov",
		Short: "BLE peripheral that receives Wi-Fi credentials",
		Long: `bleprov advertises a GATT service with one writable characteristic.
A phone connects and writes a Wi-Fi credential ("ssid,password",
"ssid\npassword" or {"ssid":..,"password":..}); every request is
acknowledged and the received SSID is logged.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPeripheral,
	}

	root.PersistentFlags().String("config", "", "path to config file (default: ~/.config/bleprov/config.yaml)")
	root.Flags().String("backend", "", "Bluetooth backend (bluez, hci)")
	root.Flags().String("name", "", "advertised device name")
	root.Flags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newInitConfigCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatalf("ERROR: %v", err)
	}
}

func runPeripheral(cmd *cobra.Command, args []string) error {
	cfg, err := effectiveConfig(cmd)
	if err != nil {
		return err
	}

	configureLogger(cmd.ErrOrStderr(), cfg)
	printBanner(cmd.OutOrStdout(), cfg)

	adapter, err := newAdapter(cfg.BackendOptions())
	if err != nil {
		return fmt.Errorf("creating adapter: %w", err)
	}
	if c, ok := adapter.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("[BLE] closing adapter", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, adapter, cfg)
}

// serve opens the peripheral and keeps it up until ctx is done.
func serve(ctx context.Context, adapter ble.Adapter, cfg *config.Config) error {
	opts := cfg.ManagerOptions()
	opts.OnCredential = func(dev ble.Device, cred protocol.Credential) {
		slog.Info("[BLE] credential received", "device", dev, "credential", cred)
	}

	mgr := ble.NewManager(adapter, opts)
	if err := mgr.Open(ctx); err != nil {
		if errors.Is(err, ble.ErrAdvertisingUnsupported) {
			return fmt.Errorf("%w: the adapter cannot act as a peripheral", err)
		}
		return err
	}
	slog.Info("Ready! Waiting for a central to write credentials. Ctrl+C to quit.")

	<-ctx.Done()
	slog.Info("Shutting down...")
	if err := mgr.Close(); err != nil {
		return err
	}
	slog.Info("Goodbye!")
	return nil
}

// effectiveConfig loads the config file and applies command-line overrides.
func effectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		cfg.Backend = f.Value.String()
	}
	if f := cmd.Flags().Lookup("name"); f != nil && f.Changed {
		cfg.DeviceName = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Debug("No config file found, using defaults")
	return config.Default(), nil
}
