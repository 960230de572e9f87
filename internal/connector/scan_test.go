package connector

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemitm/internal/adv"
)

// fakeAdvertisement satisfies ble.Advertisement for record tests.
type fakeAdvertisement struct {
	localName   string
	manufData   []byte
	serviceData []ble.ServiceData
	services    []ble.UUID
	txPower     int
	addr        string
}

func (a *fakeAdvertisement) LocalName() string              { return a.localName }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return a.manufData }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                      { return -40 }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

func TestRecordFromAdvertisement(t *testing.T) {
	fake := &fakeAdvertisement{
		localName: "Thermo-7",
		manufData: []byte{0x4C, 0x00, 0x10, 0x05},
		serviceData: []ble.ServiceData{
			{UUID: ble.UUID16(0xFD50), Data: []byte{0x41, 0x00, 0x00}},
		},
		services: []ble.UUID{ble.UUID16(0x180F)},
		txPower:  -8,
		addr:     "AA:BB:CC:DD:EE:FF",
	}

	rec := recordFromAdvertisement(fake, newTestLogger())

	name, complete, ok := rec.LocalName()
	require.True(t, ok)
	assert.True(t, complete)
	assert.Equal(t, "Thermo-7", name)

	assert.Equal(t, []string{"180f"}, rec.ServiceUUIDs())

	data, ok := rec.ServiceData().Get("fd50")
	require.True(t, ok)
	assert.Equal(t, []byte{0x41, 0x00, 0x00}, data)

	mfg, ok := rec.Manufacturer().Get(0x004C)
	require.True(t, ok)
	assert.Equal(t, []byte{0x10, 0x05}, mfg)
}

func TestRecordFromAdvertisementNoTxPower(t *testing.T) {
	fake := &fakeAdvertisement{localName: "x", txPower: 127, addr: "AA:BB:CC:DD:EE:FF"}
	rec := recordFromAdvertisement(fake, newTestLogger())
	_, hasTx := rec.Field(adv.TypeTxPower)
	assert.False(t, hasTx, "127 means no Tx power field was advertised")
}

func TestScanResponseAttribution(t *testing.T) {
	// First sighting carries the advertising PDU content; a later
	// sighting that adds the name represents the scan response.
	first := recordFromAdvertisement(&fakeAdvertisement{
		services: []ble.UUID{ble.UUID16(0x180F)},
		txPower:  127,
		addr:     "AA:BB:CC:DD:EE:FF",
	}, newTestLogger())

	second := recordFromAdvertisement(&fakeAdvertisement{
		localName: "Thermo-7",
		services:  []ble.UUID{ble.UUID16(0x180F)},
		txPower:   127,
		addr:      "AA:BB:CC:DD:EE:FF",
	}, newTestLogger())

	sr := first.Diff(second)
	assert.Equal(t, []uint8{adv.TypeCompleteName}, sr.Types())

	name, _, ok := sr.LocalName()
	require.True(t, ok)
	assert.Equal(t, "Thermo-7", name)
}
