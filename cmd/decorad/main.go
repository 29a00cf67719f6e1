// decorad - MQTT bridge for Leviton Decora Bluetooth dimmers and switches
//
// decorad holds BLE sessions open to first-generation Decora Smart
// (Bluetooth) devices and exposes them over MQTT:
//   - decora/command/{address}  accepts power/brightness commands
//   - decora/state/{address}    publishes confirmed device state
//   - decora/request/{id}       pair, forget and read_state requests
//
// Devices, API keys and last-known state persist in SQLite; confirmed
// state changes and link telemetry optionally stream to InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/wrenhall/decora-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

var rootCmd = &cobra.Command{
	Use:   "decorad",
	Short: "MQTT bridge for Leviton Decora Bluetooth dimmers and switches",
	Long: `decorad bridges first-generation Leviton Decora Smart (Bluetooth)
dimmers and switches to MQTT.

Typical workflow:
  decorad scan          find nearby devices
  decorad pair <addr>   retrieve the API key from a device in pairing mode
  decorad run           run the bridge daemon`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// A cancelled context is the normal Ctrl+C path, not a failure.
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Errors are printed once in main, not by cobra as well.
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pairCmd)
}

// getConfigPath returns the configuration file path.
// Uses DECORA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DECORA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
