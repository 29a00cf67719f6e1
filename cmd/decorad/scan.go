package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrenhall/decora-bridge/internal/bridges/decora"
)

var (
	scanDuration time.Duration
	scanAll      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby Decora devices",
	Long: `Scan listens for BLE advertisements and lists the Decora devices in
range. Use --all to list every advertising device regardless of vendor.

Scanning does not require the bridge configuration or database.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "how long to scan")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "list every advertising device, not just Decora")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, expire := context.WithTimeout(ctx, scanDuration)
	defer expire()

	transport := decora.NewBluetoothTransport()
	if err := transport.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s (Ctrl+C to stop)...\n", scanDuration)

	// Devices advertise repeatedly; collapse reports per address, keeping
	// the strongest reading and any name seen.
	seen := make(map[string]decora.Advertisement)
	err := transport.Scan(ctx, func(adv decora.Advertisement) {
		if !scanAll && !adv.HasManufacturer(decora.LevitonManufacturerID) {
			return
		}
		if prev, ok := seen[adv.Address]; ok {
			if adv.LocalName == "" {
				adv.LocalName = prev.LocalName
			}
			if adv.RSSI < prev.RSSI {
				adv.RSSI = prev.RSSI
			}
		}
		seen[adv.Address] = adv
	})
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	printAdvertisements(cmd.OutOrStdout(), seen)
	return nil
}

func printAdvertisements(w io.Writer, seen map[string]decora.Advertisement) {
	if len(seen) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}

	advs := make([]decora.Advertisement, 0, len(seen))
	for _, adv := range seen {
		advs = append(advs, adv)
	}
	sort.Slice(advs, func(i, j int) bool {
		return advs[i].RSSI > advs[j].RSSI
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tDECORA")
	for _, adv := range advs {
		name := adv.LocalName
		if name == "" {
			name = "(unknown)"
		}
		vendor := "-"
		if adv.HasManufacturer(decora.LevitonManufacturerID) {
			vendor = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", adv.Address, name, adv.RSSI, vendor)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d device(s) found\n", len(advs))
}
