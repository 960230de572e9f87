package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd runs the proxy; discovery lives in the scan subcommand.
var rootCmd = &cobra.Command{
	Use:   "blemitm",
	Short: "Bluetooth Low Energy GATT proxy",
	Long: `blemitm impersonates a BLE peripheral towards nearby centrals while
staying connected to the real device: it clones the peripheral's
advertisement, scan response, and GATT database onto the local
controller, then relays every read, write, and notification between the
connected central and the upstream device, logging traffic in both
directions.

Typical use:

  blemitm scan                                   find the target address
  blemitm --connectto AA:BB:CC:DD:EE:FF          clone and relay
  blemitm --deviceloadpath dev.yaml --noconnect  replay a stored device`,
	Version: version,
	RunE:    runProxy,
}

// exitError carries the process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.Flags().StringVar(&proxyIface, "iface", "", "Local controller: index, hciN, or controller MAC")
	rootCmd.Flags().StringVar(&proxyConnectTo, "connectto", "", "Address of the upstream device to clone")
	rootCmd.Flags().BoolVar(&proxyNoConnect, "noconnect", false, "Run without an upstream connection (stored configuration only)")
	rootCmd.Flags().StringVar(&proxyAddrType, "addrtype", "", "Upstream address type hint (public or random)")
	rootCmd.Flags().StringVar(&proxyAdvName, "advname", "", "Override the advertised device name")
	rootCmd.Flags().StringSliceVar(&proxyAdvServiceUUIDs, "advserviceuuids", nil, "Override the advertised service UUIDs")
	rootCmd.Flags().BoolVar(&proxySudo, "sudo", false, "Escalate helper subprocesses with sudo")
	rootCmd.Flags().StringVar(&proxyChangeMAC, "changemac", "", "Pin the advertising address (no value: the controller's own)")
	rootCmd.Flags().Lookup("changemac").NoOptDefVal = "true"
	rootCmd.Flags().StringVar(&proxyStorePath, "devicestorepath", "", "Store the session snapshot to this file")
	rootCmd.Flags().StringVar(&proxyLoadPath, "deviceloadpath", "", "Load the session snapshot from this file")
}
