package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/adv"
)

// rawAdvertisement is implemented by backends that expose the raw AD and
// scan response PDU bytes (the Linux HCI path does).
type rawAdvertisement interface {
	Data() []byte
	SrData() []byte
}

// ScanFor observes one peripheral's advertising for the given duration
// and returns its advertising data and scan response data as separate
// records.
//
// When raw PDU bytes are available they are decoded directly. Otherwise
// the records are reconstructed from the parsed advertisement: the first
// sighting forms the advertising record, and data appearing only in
// later sightings is attributed to the scan response.
func (c *BLEConnector) ScanFor(ctx context.Context, mac string, timeout time.Duration) (*adv.Record, *adv.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": mac,
		"timeout": timeout,
	}).Info("Scanning for upstream device...")

	var advRec *adv.Record
	srRec := adv.NewRecord()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler := func(a ble.Advertisement) {
		if !strings.EqualFold(a.Addr().String(), mac) {
			return
		}
		if raw, ok := a.(rawAdvertisement); ok && len(raw.Data()) > 0 {
			if advRec == nil {
				advRec = adv.NewRecord()
			}
			advRec.Merge(c.decodeLenient(raw.Data(), "advertising"))
			if sr := raw.SrData(); len(sr) > 0 {
				srRec.Merge(c.decodeLenient(sr, "scan response"))
			}
			return
		}

		rec := recordFromAdvertisement(a, c.logger)
		if advRec == nil {
			advRec = rec
			return
		}
		srRec.Merge(advRec.Diff(rec))
	}

	err := c.dev.Scan(scanCtx, true, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, nil, fmt.Errorf("scan failed: %w", err)
	}
	if advRec == nil {
		return nil, nil, fmt.Errorf("device %s was not seen while scanning", mac)
	}

	c.logger.WithFields(logrus.Fields{
		"address":   mac,
		"adv_types": len(advRec.Types()),
		"sr_types":  len(srRec.Types()),
	}).Info("Upstream advertisement captured")
	return advRec, srRec, nil
}

// decodeLenient decodes raw AD bytes, keeping the well-formed prefix and
// logging the malformed tail instead of failing the scan.
func (c *BLEConnector) decodeLenient(b []byte, what string) *adv.Record {
	rec, err := adv.Decode(b)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"pdu":   what,
			"error": err,
		}).Warn("Skipping malformed AD structure")
	}
	return rec
}

// recordFromAdvertisement rebuilds an AD record from the parsed fields
// of a ble.Advertisement.
func recordFromAdvertisement(a ble.Advertisement, logger *logrus.Logger) *adv.Record {
	rec := adv.NewRecord()

	if name := a.LocalName(); name != "" {
		rec.SetLocalName(name)
	}

	var uuids []string
	for _, u := range a.Services() {
		uuids = append(uuids, u.String())
	}
	if len(uuids) > 0 {
		if err := rec.SetServiceUUIDs(uuids); err != nil {
			logger.WithField("error", err).Warn("Skipping unusable advertised service UUID")
		}
	}

	// 127 is the backend's marker for "no Tx power present".
	if p := a.TxPowerLevel(); p != 127 {
		rec.SetTxPower(int8(p))
	}

	for _, sd := range a.ServiceData() {
		if err := rec.AddServiceData(sd.UUID.String(), sd.Data); err != nil {
			logger.WithFields(logrus.Fields{
				"uuid":  sd.UUID.String(),
				"error": err,
			}).Debug("Skipping wide service data UUID")
		}
	}

	if md := a.ManufacturerData(); len(md) >= 2 {
		company := uint16(md[0]) | uint16(md[1])<<8
		rec.AddManufacturer(company, md[2:])
	}

	return rec
}
