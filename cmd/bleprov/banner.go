package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/chaz8081/bleprov/internal/config"
)

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgHiBlack)

	name := cfg.DeviceName
	if name == "" {
		name = "(adapter name)"
	}
	backend := cfg.Backend
	if backend == "hci" {
		backend = fmt.Sprintf("hci (hci%d)", cfg.HCIDevice)
	}
	timeout := "none"
	if cfg.Advertise.Timeout > 0 {
		timeout = cfg.Advertise.Timeout.String()
	}

	title.Fprintln(w, "=== bleprov ===")
	fmt.Fprintf(w, "  %s %s\n", key.Sprint("Name:     "), name)
	fmt.Fprintf(w, "  %s %s\n", key.Sprint("Backend:  "), backend)
	fmt.Fprintf(w, "  %s %s\n", key.Sprint("Service:  "), cfg.Service.ServiceUUID)
	fmt.Fprintf(w, "  %s %s\n", key.Sprint("Char:     "), cfg.Service.CharacteristicUUID)
	fmt.Fprintf(w, "  %s %s, %s power, timeout %s\n", key.Sprint("Advertise:"), cfg.Advertise.Mode, cfg.Advertise.TxPower, timeout)
	fmt.Fprintf(w, "  %s %s\n", key.Sprint("Log:      "), cfg.LogLevel)
	title.Fprintln(w, "===============")
}
