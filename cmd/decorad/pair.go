package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrenhall/decora-bridge/internal/bridges/decora"
	"github.com/wrenhall/decora-bridge/internal/device"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/config"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/database"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/logging"
)

var (
	pairName    string
	pairTimeout time.Duration
)

var pairCmd = &cobra.Command{
	Use:   "pair <address>",
	Short: "Retrieve the API key from a device in pairing mode",
	Long: `Pair connects to a device in pairing mode, retrieves its API key, and
stores the device in the database so the bridge can control it.

Put the device in pairing mode first: hold the top of the paddle until
the LED starts flashing amber (about seven seconds), then run this
command while it is still flashing.

The key is a device-generated secret. Anyone holding it can control the
switch, so treat the database and config file accordingly.`,
	Args: cobra.ExactArgs(1),
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVarP(&pairName, "name", "n", "", "friendly name to store with the device")
	pairCmd.Flags().DurationVarP(&pairTimeout, "timeout", "t", 30*time.Second, "time allowed for the whole pairing exchange")
}

func runPair(cmd *cobra.Command, args []string) error {
	identity, err := decora.ParseDeviceIdentity(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, expire := context.WithTimeout(ctx, pairTimeout)
	defer expire()

	// Pairing persists the key, so the full storage stack is needed even
	// though the daemon is not running.
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log)

	bridgeCfg, err := decora.LoadConfig(cfg.Decora.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading bridge config: %w", err)
	}

	transport := decora.NewBluetoothTransport()
	if err := transport.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	links := decora.NewLinkManager(transport, bridgeCfg.ToLinkOptions())
	links.SetLogger(log)
	auth := decora.NewAuthenticator(bridgeCfg.ToAuthenticatorOptions())
	auth.SetLogger(log)

	fmt.Fprintf(cmd.ErrOrStderr(), "Connecting to %s...\n", identity.Address)
	link, err := links.Connect(ctx, identity)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", identity.Address, err)
	}
	defer link.Disconnect()

	key, err := auth.RetrieveKey(ctx, link)
	if err != nil {
		return fmt.Errorf("retrieving API key (is the device in pairing mode?): %w", err)
	}

	// Device information is nice to have but not required for control.
	summary, err := decora.ReadDeviceSummary(ctx, link)
	if err != nil {
		log.Warn("device information unavailable", "address", identity.Address, "error", err)
	}

	name := pairName
	if name == "" {
		name = identity.Address
	}

	if err := deviceRegistry.SaveDevice(ctx, &device.Device{
		Address:          identity.Address,
		Name:             name,
		APIKey:           key.Hex(),
		Model:            summary.Model,
		Manufacturer:     summary.Manufacturer,
		SoftwareRevision: summary.SoftwareRevision,
		SystemID:         summary.SystemID,
		Dimmable:         summary.IsDimmable(),
	}); err != nil {
		return fmt.Errorf("saving device: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Paired %s (%s)\n", identity.Address, name)
	if summary.Model != "" {
		fmt.Fprintf(out, "  model:   %s\n", summary.Model)
	}
	if summary.SoftwareRevision != "" {
		fmt.Fprintf(out, "  firmware: %s\n", summary.SoftwareRevision)
	}
	fmt.Fprintf(out, "  api_key: %s\n", key.Hex())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "The key is stored in the device database. Add it to the devices")
	fmt.Fprintln(out, "section of the bridge config if you want config-managed devices.")
	return nil
}
