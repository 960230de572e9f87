// Package hostdev selects and opens the local Bluetooth controller. The
// interface flag accepts an index, a device name (hciN), or the
// controller's own MAC; with nothing given the sole controller is used.
package hostdev

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"
)

// sysBluetoothPath lists the registered controllers on Linux.
var sysBluetoothPath = "/sys/class/bluetooth"

// DeviceFactory opens the controller with the given index (-1 selects
// the stack default). A variable so tests can substitute a fake.
var DeviceFactory = func(id int) (*linux.Device, error) {
	if id < 0 {
		return linux.NewDevice()
	}
	return linux.NewDevice(ble.OptDeviceID(id))
}

// ResolveIface turns an --iface value into a controller index. Returns
// -1 for the empty value when exactly one controller is present;
// several controllers with no selection is an error.
func ResolveIface(value string) (int, error) {
	if value == "" {
		ifaces, err := listControllers()
		if err != nil || len(ifaces) <= 1 {
			return -1, nil
		}
		return -1, fmt.Errorf("several controllers present (%s); select one with --iface", strings.Join(ifaces, ", "))
	}

	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return -1, fmt.Errorf("controller index %d is negative", n)
		}
		return n, nil
	}

	if strings.HasPrefix(strings.ToLower(value), "hci") {
		n, err := strconv.Atoi(value[3:])
		if err != nil || n < 0 {
			return -1, fmt.Errorf("bad controller name %q", value)
		}
		return n, nil
	}

	if strings.Count(value, ":") == 5 {
		return findByAddress(value)
	}

	return -1, fmt.Errorf("bad --iface value %q (want an index, hciN, or a MAC)", value)
}

// listControllers returns the hciN names known to the kernel.
func listControllers() ([]string, error) {
	entries, err := os.ReadDir(sysBluetoothPath)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hci") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// findByAddress resolves a controller MAC through sysfs.
func findByAddress(mac string) (int, error) {
	ifaces, err := listControllers()
	if err != nil {
		return -1, fmt.Errorf("cannot enumerate controllers: %w", err)
	}
	for _, name := range ifaces {
		raw, err := os.ReadFile(filepath.Join(sysBluetoothPath, name, "address"))
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(raw)), mac) {
			n, err := strconv.Atoi(name[3:])
			if err != nil {
				continue
			}
			return n, nil
		}
	}
	return -1, fmt.Errorf("no controller with address %s", mac)
}

// ControllerAddress reads the controller's own MAC, used as the pinned
// advertising address.
func ControllerAddress(id int) (string, error) {
	if id < 0 {
		id = 0
	}
	raw, err := os.ReadFile(filepath.Join(sysBluetoothPath, fmt.Sprintf("hci%d", id), "address"))
	if err != nil {
		return "", fmt.Errorf("cannot read controller address: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// PowerOn brings the controller up via the hciconfig helper, optionally
// escalated with sudo. Failure is reported but not fatal: an
// already-powered controller works without it.
func PowerOn(id int, sudo bool, logger *logrus.Logger) error {
	name := "hci0"
	if id >= 0 {
		name = fmt.Sprintf("hci%d", id)
	}
	args := []string{"hciconfig", name, "up"}
	if sudo {
		args = append([]string{"sudo"}, args...)
	}

	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"command": strings.Join(args, " "),
			"output":  strings.TrimSpace(string(out)),
			"error":   err,
		}).Warn("Could not power the controller on")
		return fmt.Errorf("%s: %w", strings.Join(args, " "), err)
	}
	logger.WithField("controller", name).Debug("Controller powered on")
	return nil
}
