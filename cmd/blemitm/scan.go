package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemitm/internal/hostdev"
	"github.com/srg/blemitm/internal/scanner"
)

// scanCmd finds the peripheral to clone.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity and display
their names, addresses, RSSI values, and advertised services. Use the
address of the device you want to impersonate with --connectto.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanIface     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().StringVar(&scanIface, "iface", "", "Local controller: index, hciN, or controller MAC")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ifaceID, err := hostdev.ResolveIface(scanIface)
	if err != nil {
		return err
	}
	dev, err := hostdev.DeviceFactory(ifaceID)
	if err != nil {
		return fmt.Errorf("failed to open controller: %w", err)
	}
	defer func() { _ = dev.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	s := scanner.NewScanner(dev, logger)
	devices, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:        scanDuration,
		DuplicateFilter: false,
		ServiceUUIDs:    scanServices,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return displayDevices(devices)
}

func displayDevices(devices map[string]*scanner.Device) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	list := make([]*scanner.Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	if scanFormat == "json" {
		return displayDevicesJSON(list)
	}
	return displayDevicesTable(list)
}

func displayDevicesTable(devices []*scanner.Device) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devices {
		name := dev.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.AdvertisedServices(), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(dev.LastSeen()).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address(), dev.RSSI(), services, lastSeen)
	}
	return w.Flush()
}

func displayDevicesJSON(devices []*scanner.Device) error {
	type deviceJSON struct {
		Name     string   `json:"name"`
		Address  string   `json:"address"`
		RSSI     int      `json:"rssi"`
		Services []string `json:"services,omitempty"`
	}
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON{
			Name:     d.Name(),
			Address:  d.Address(),
			RSSI:     d.RSSI(),
			Services: d.AdvertisedServices(),
		})
	}
	var w io.Writer = os.Stdout
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
