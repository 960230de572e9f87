// Package advertiser programs the local controller with the cloned
// advertisement and scan response and manages the advertising lifecycle.
// It drives the controller over plain HCI commands, the one path that
// works uniformly across BlueZ versions.
package advertiser

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/adv"
)

// CommandSender issues HCI commands; *hci.HCI satisfies it.
type CommandSender interface {
	Send(c hci.Command, r hci.CommandRP) error
}

// ErrRegistered is returned by mutators while the advertisement is live;
// reconfiguration requires unregister → mutate → register.
var ErrRegistered = errors.New("advertisement is registered; unregister before changing it")

// Default advertising parameters: connectable undirected advertising on
// all three channels at a 100 ms interval.
const (
	advIntervalMin = 0x00A0
	advIntervalMax = 0x00A0
	advChannelMap  = 0x07
)

// Advertiser owns the advertising side of the local controller.
type Advertiser struct {
	sender CommandSender
	logger *logrus.Logger

	mu          sync.Mutex
	initialized bool
	registered  bool

	data       *adv.Record
	scanResp   *adv.Record
	shortName  string
	staticAddr string
}

// New creates an advertiser over an HCI command sender.
func New(sender CommandSender, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	return &Advertiser{
		sender:   sender,
		logger:   logger,
		data:     adv.NewRecord(),
		scanResp: adv.NewRecord(),
	}
}

// Initialize prepares the controller for advertising. Must run before
// Register; calling it twice is harmless.
func (a *Advertiser) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	params := &cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin:  advIntervalMin,
		AdvertisingIntervalMax:  advIntervalMax,
		AdvertisingType:         0x00, // ADV_IND
		OwnAddressType:          0x00,
		DirectAddressType:       0x00,
		AdvertisingChannelMap:   advChannelMap,
		AdvertisingFilterPolicy: 0x00,
	}
	if err := a.sender.Send(params, nil); err != nil {
		return fmt.Errorf("failed to set advertising parameters: %w", err)
	}
	a.initialized = true
	a.logger.Debug("Advertising parameters programmed")
	return nil
}

// mutate guards every setter with the registration contract.
func (a *Advertiser) mutate(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return ErrRegistered
	}
	return fn()
}

// SetLocalName overrides the advertised complete local name.
func (a *Advertiser) SetLocalName(name string) error {
	return a.mutate(func() error {
		a.data.SetLocalName(name)
		return nil
	})
}

// SetShortName sets the shortened name carried in the advertising PDU
// when the complete name rides in the scan response.
func (a *Advertiser) SetShortName(name string) error {
	return a.mutate(func() error {
		a.shortName = name
		return nil
	})
}

// SetServiceUUIDs overrides the advertised service UUID lists.
func (a *Advertiser) SetServiceUUIDs(uuids []string) error {
	return a.mutate(func() error {
		return a.data.SetServiceUUIDs(uuids)
	})
}

// AddManufacturer adds manufacturer specific data.
func (a *Advertiser) AddManufacturer(company uint16, data []byte) error {
	return a.mutate(func() error {
		a.data.AddManufacturer(company, data)
		return nil
	})
}

// AddServiceData adds service data under a 16-bit UUID.
func (a *Advertiser) AddServiceData(uuid string, data []byte) error {
	return a.mutate(func() error {
		return a.data.AddServiceData(uuid, data)
	})
}

// SetTxPower sets the advertised Tx power level.
func (a *Advertiser) SetTxPower(p int8) error {
	return a.mutate(func() error {
		a.data.SetTxPower(p)
		return nil
	})
}

// Merge folds a scanned advertising record into the advertisement.
func (a *Advertiser) Merge(rec *adv.Record) error {
	return a.mutate(func() error {
		a.data.Merge(rec)
		return nil
	})
}

// MergeScanResponse folds a scanned scan response record into the local
// scan response.
func (a *Advertiser) MergeScanResponse(rec *adv.Record) error {
	return a.mutate(func() error {
		a.scanResp.Merge(rec)
		return nil
	})
}

// SetStaticAddress requests the fixed-address workaround: after the data
// is programmed the given address is written so the advertising PDU is
// not randomised per cycle.
func (a *Advertiser) SetStaticAddress(mac string) error {
	return a.mutate(func() error {
		if _, err := macToWire(mac); err != nil {
			return err
		}
		a.staticAddr = mac
		return nil
	})
}

// Data returns the advertising record being assembled.
func (a *Advertiser) Data() *adv.Record {
	return a.data
}

// Registered reports whether advertising is live.
func (a *Advertiser) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Register fits the records under the 31-octet PDU limits, programs the
// controller, and starts advertising.
func (a *Advertiser) Register() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return errors.New("advertiser is not initialized")
	}
	if a.registered {
		return errors.New("advertisement already registered")
	}

	if _, ok := a.data.Flags(); !ok {
		a.data.SetFlags(adv.FlagGeneralDiscoverable | adv.FlagLEOnly)
	}

	advPDU, srPDU, err := adv.Fit(a.data, a.scanResp, a.shortName)
	if err != nil {
		return fmt.Errorf("advertisement does not fit: %w", err)
	}

	advData := &cmd.LESetAdvertisingData{AdvertisingDataLength: uint8(len(advPDU))}
	copy(advData.AdvertisingData[:], advPDU)
	if err := a.sender.Send(advData, nil); err != nil {
		return fmt.Errorf("failed to set advertising data: %w", err)
	}

	srData := &cmd.LESetScanResponseData{ScanResponseDataLength: uint8(len(srPDU))}
	copy(srData.ScanResponseData[:], srPDU)
	if err := a.sender.Send(srData, nil); err != nil {
		return fmt.Errorf("failed to set scan response data: %w", err)
	}

	if err := a.sender.Send(&cmd.LESetAdvertiseEnable{AdvertisingEnable: 1}, nil); err != nil {
		return fmt.Errorf("failed to enable advertising: %w", err)
	}
	a.registered = true

	if a.staticAddr != "" {
		if err := a.writeStaticAddress(); err != nil {
			// Advertising runs either way, only with a cycling address.
			a.logger.WithField("error", err).Warn("Unable to pin the advertising address")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"adv_octets": len(advPDU),
		"sr_octets":  len(srPDU),
	}).Info("Advertisement registered")
	return nil
}

func (a *Advertiser) writeStaticAddress() error {
	wire, err := macToWire(a.staticAddr)
	if err != nil {
		return err
	}
	c := &leSetAdvSetRandomAddress{AdvertisingHandle: 0x00, RandomAddress: wire}
	if err := a.sender.Send(c, nil); err != nil {
		return fmt.Errorf("static address command failed: %w", err)
	}
	a.logger.WithField("address", a.staticAddr).Info("Advertising address pinned")
	return nil
}

// Unregister stops advertising and releases the registration. It is
// idempotent; stopping an unregistered advertiser is a no-op.
func (a *Advertiser) Unregister() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.registered {
		return nil
	}
	if err := a.sender.Send(&cmd.LESetAdvertiseEnable{AdvertisingEnable: 0}, nil); err != nil {
		return fmt.Errorf("failed to disable advertising: %w", err)
	}
	a.registered = false
	a.logger.Info("Advertisement unregistered")
	return nil
}
