package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bb8-bridge/internal/transport"
)

var (
	scanTimeout time.Duration
	scanAdapter string
	scanPrefix  string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BB-8 toys",
	Long: `Listen for BLE advertisements and list toys whose name matches the prefix,
strongest signal first. Use the printed address as ble.address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
		defer cancel()

		fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", scanTimeout)
		devices, err := transport.Scan(ctx, scanAdapter, scanPrefix)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No toys found.")
			return nil
		}
		for _, d := range devices {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 10*time.Second, "How long to listen")
	scanCmd.Flags().StringVar(&scanAdapter, "adapter", "", "Bluetooth adapter id, e.g. hci1")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "BB-", "Advertised name prefix; empty lists everything")
}
