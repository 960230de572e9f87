package adv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const longName = "A-Very-Long-Peripheral-Name-Example"

func typesIn(t *testing.T, pdu []byte) map[uint8]bool {
	t.Helper()
	rec, err := Decode(pdu)
	require.NoError(t, err)
	out := make(map[uint8]bool)
	for _, typ := range rec.Types() {
		// The two name forms count as one field for placement purposes.
		if typ == TypeShortName {
			typ = TypeCompleteName
		}
		out[typ] = true
	}
	return out
}

func TestFitNameOverflow(t *testing.T) {
	rec := NewRecord()
	rec.SetFlags(0x06)
	rec.SetLocalName(longName)

	advPDU, srPDU, err := Fit(rec, nil, "")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(advPDU), MaxPDULength)
	assert.LessOrEqual(t, len(srPDU), MaxPDULength)

	// Flags stay in the advertising PDU, the name spills.
	assert.Equal(t, []byte{0x02, 0x01, 0x06}, advPDU)

	srRec, err := Decode(srPDU)
	require.NoError(t, err)
	name, complete, ok := srRec.LocalName()
	require.True(t, ok)
	assert.False(t, complete, "a name wider than the PDU is shortened")
	assert.True(t, strings.HasPrefix(longName, name))
}

func TestFitExplicitShortName(t *testing.T) {
	rec := NewRecord()
	rec.SetFlags(0x06)
	rec.SetLocalName(longName)
	require.NoError(t, rec.SetServiceUUIDs([]string{"180f"}))

	advPDU, srPDU, err := Fit(rec, nil, "A-Very-Long-Pe")
	require.NoError(t, err)

	advRec, err := Decode(advPDU)
	require.NoError(t, err)
	name, complete, ok := advRec.LocalName()
	require.True(t, ok)
	assert.False(t, complete)
	assert.Equal(t, "A-Very-Long-Pe", name)

	// The service list still fits the advertising PDU; only the
	// complete name rides in the scan response.
	assert.Equal(t, []string{"180f"}, advRec.ServiceUUIDs())

	srRec, err := Decode(srPDU)
	require.NoError(t, err)
	srName, _, ok := srRec.LocalName()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(longName, srName))
}

func TestFitTypeUnionPreserved(t *testing.T) {
	rec := NewRecord()
	rec.SetFlags(0x06)
	rec.SetLocalName("Thermo-7")
	require.NoError(t, rec.SetServiceUUIDs([]string{
		"180f", "180a", "1809",
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	}))
	rec.SetTxPower(4)
	require.NoError(t, rec.AddServiceData("fd50", []byte{0x41}))
	rec.AddManufacturer(0x004C, []byte{0x10})

	advPDU, srPDU, err := Fit(rec, nil, "")
	require.NoError(t, err)
	require.LessOrEqual(t, len(advPDU), MaxPDULength)
	require.LessOrEqual(t, len(srPDU), MaxPDULength)

	want := make(map[uint8]bool)
	for _, typ := range rec.Types() {
		want[typ] = true
	}
	got := typesIn(t, advPDU)
	for typ := range typesIn(t, srPDU) {
		got[typ] = true
	}
	assert.Equal(t, want, got, "union of AD types across both PDUs equals the input record")
}

func TestFitStableOrderSpill(t *testing.T) {
	// Once one field has spilled, everything after it spills too.
	rec := NewRecord()
	rec.SetFlags(0x06)
	rec.SetLocalName(strings.Repeat("x", 24))
	require.NoError(t, rec.SetServiceUUIDs([]string{"180f"}))
	rec.SetTxPower(0)

	advPDU, srPDU, err := Fit(rec, nil, "")
	require.NoError(t, err)

	advTypes := typesIn(t, advPDU)
	assert.True(t, advTypes[TypeFlags])
	assert.True(t, advTypes[TypeCompleteName])

	srTypes := typesIn(t, srPDU)
	assert.True(t, srTypes[TypeAllUUID16], "first field past capacity spills")
	assert.True(t, srTypes[TypeTxPower], "later fields follow into the scan response")
	assert.False(t, advTypes[TypeTxPower])
}

func TestFitScanResponseRecordAppended(t *testing.T) {
	rec := NewRecord()
	rec.SetFlags(0x06)

	srRec := NewRecord()
	require.NoError(t, srRec.AddServiceData("fd50", []byte{0x01}))

	advPDU, srPDU, err := Fit(rec, srRec, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x06}, advPDU)
	assert.True(t, typesIn(t, srPDU)[TypeServiceData16])
}

func TestFitSingleFieldTooLarge(t *testing.T) {
	rec := NewRecord()
	rec.AddManufacturer(0x004C, make([]byte, 40))

	_, _, err := Fit(rec, nil, "")
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, TypeManufacturerData, tooLarge.Type)
}
