package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"bb8-bridge/internal/protocol"
)

var decodeCommands bool

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode captured Sphero frames",
	Long: `Decode one or more Sphero v1 frames given as hex.

Bytes may be separated by spaces, colons, commas or dashes and may carry a
0x prefix. By default the input is read as device->host traffic (responses
and async messages) and resynchronised after garbage. With --command it is
read as host->device command frames.`,
	Example: `  bb8-bridge decode "FF FF 00 01 01 01 FC"
  bb8-bridge decode --command FFFF02200005FF000000D2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseHex(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if decodeCommands {
			return decodeCommandStream(cmd.OutOrStdout(), raw)
		}
		return decodeInboundStream(cmd.OutOrStdout(), raw)
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVarP(&decodeCommands, "command", "c", false, "Decode host->device command frames")
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", ",", "", "-", "", "\n", "", "\t", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("parse hex: no bytes")
	}
	return raw, nil
}

func decodeInboundStream(w io.Writer, raw []byte) error {
	frames, skipped := protocol.NewAssembler().Feed(raw)
	if skipped > 0 {
		fmt.Fprintf(w, "skipped %d garbage bytes\n", skipped)
	}
	for _, f := range frames {
		frame, err := protocol.DecodeInbound(f)
		if err != nil {
			fmt.Fprintf(w, "% X: %v\n", f, err)
			continue
		}
		fmt.Fprintln(w, protocol.FormatFrame(frame))
	}
	consumed := skipped
	for _, f := range frames {
		consumed += len(f)
	}
	if consumed < len(raw) {
		fmt.Fprintf(w, "incomplete frame: % X\n", raw[consumed:])
	}
	if len(frames) == 0 {
		return fmt.Errorf("no complete frame found")
	}
	return nil
}

// decodeCommandStream splits raw on the DLEN field of each command header.
func decodeCommandStream(w io.Writer, raw []byte) error {
	const header = 6
	n := 0
	for len(raw) > 0 {
		if len(raw) < header {
			return fmt.Errorf("incomplete command header: % X", raw)
		}
		total := header + int(raw[5])
		if total > len(raw) {
			return fmt.Errorf("incomplete command frame: % X", raw)
		}
		frame, err := protocol.DecodeCommand(raw[:total])
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		fmt.Fprintln(w, protocol.FormatFrame(frame))
		raw = raw[total:]
		n++
	}
	return nil
}
