// Package scanner implements general BLE discovery for the scan command:
// it accumulates advertisements per device so an operator can find the
// peripheral worth cloning.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/bledb"
	"github.com/srg/blemitm/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

// Device event kinds.
const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is one discovery update.
type DeviceEvent struct {
	Type      DeviceEventType
	Device    *Device
	Timestamp time.Time
}

// Device is the accumulated view of one advertiser.
type Device struct {
	mu sync.RWMutex

	address     string
	name        string
	rssi        int
	txPower     *int
	connectable bool
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	lastSeen    time.Time
}

// Address returns the device address.
func (d *Device) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

// Name returns the advertised name, falling back to the address.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

// RSSI returns the last observed signal strength.
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// TxPower returns the advertised Tx power, nil when absent.
func (d *Device) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

// IsConnectable reports whether the device advertises as connectable.
func (d *Device) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

// AdvertisedServices returns the advertised service UUIDs, sorted.
func (d *Device) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.services...)
}

// LastSeen returns the time of the latest sighting.
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// update folds a new sighting into the accumulated view.
func (d *Device) update(adv ble.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()
	d.connectable = adv.Connectable()

	if name := adv.LocalName(); name != "" {
		d.name = name
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		d.manufData = md
	}

	needsSort := false
	for _, svc := range adv.Services() {
		u := bledb.NormalizeUUID(svc.String())
		if !containsString(d.services, u) {
			d.services = append(d.services, u)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.services)
	}

	for _, sd := range adv.ServiceData() {
		d.serviceData[bledb.NormalizeUUID(sd.UUID.String())] = sd.Data
	}

	if p := adv.TxPowerLevel(); p != 127 {
		tx := p
		d.txPower = &tx
	}
}

func newDevice(adv ble.Advertisement) *Device {
	d := &Device{
		address:     adv.Addr().String(),
		serviceData: make(map[string][]byte),
	}
	d.update(adv)
	return d
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE device discovery.
type Scanner struct {
	dev     ble.Device
	devices *hashmap.Map[string, *Device]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a scanner over an opened controller.
func NewScanner(dev ble.Device, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		dev:    dev,
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}
}

// Scan performs BLE discovery with the provided options.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progress ProgressCallback) (map[string]*Device, error) {
	s.devices = hashmap.New[string, *Device]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	s.scanOptions = opts
	defer func() { s.scanOptions = nil }()

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := s.dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progress("Processing results")

	devices := make(map[string]*Device, s.devices.Len())
	s.devices.Range(func(key string, value *Device) bool {
		devices[key] = value
		return true
	})
	return devices, nil
}

// handleAdvertisement updates an existing entry or inserts a new device.
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	if !s.shouldInclude(adv, s.scanOptions) {
		return
	}
	deviceID := adv.Addr().String()

	dev, existing := s.devices.Get(deviceID)
	if !existing {
		dev, existing = s.devices.GetOrInsert(deviceID, newDevice(adv))
	}

	event := DeviceEvent{Device: dev, Timestamp: time.Now()}
	if existing {
		dev.update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// shouldInclude applies the allow/block/service filters.
func (s *Scanner) shouldInclude(adv ble.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			want := bledb.NormalizeUUID(required)
			for _, advUUID := range adv.Services() {
				if bledb.NormalizeUUID(advUUID.String()) == want {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
