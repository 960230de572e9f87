package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Tree {
	t := &Tree{}

	gap := t.AddService(NewService("1800"))
	gap.AddCharacteristic(NewCharacteristic("2a00", PropRead, 0x0003))

	gatt := t.AddService(NewService("1801"))
	gatt.AddCharacteristic(NewCharacteristic("2a05", PropIndicate, 0x0008))

	batt := t.AddService(NewService("180f"))
	batt.AddCharacteristic(NewCharacteristic("2a19", PropRead|PropNotify, 0x002A))

	t.AssignHandles()
	return t
}

func TestFilterLocalDropsGAPAndGATT(t *testing.T) {
	tree := sampleTree()
	exposed := tree.FilterLocal()

	require.Len(t, exposed.Services, 1)
	assert.Equal(t, "180f", exposed.Services[0].UUID)

	for _, svc := range exposed.Services {
		assert.NotEqual(t, "1800", svc.UUID)
		assert.NotEqual(t, "1801", svc.UUID)
	}
}

func TestAssignHandlesTreeOrder(t *testing.T) {
	tree := &Tree{}
	svc1 := tree.AddService(NewService("180f"))
	svc1.AddCharacteristic(NewCharacteristic("2a19", PropRead, 0x0010))
	svc2 := tree.AddService(NewService("180a"))
	svc2.AddCharacteristic(NewCharacteristic("2a29", PropRead, 0x0020))
	svc2.AddCharacteristic(NewCharacteristic("2a24", PropRead, 0x0022))
	tree.AssignHandles()

	chars := tree.Characteristics()
	require.Len(t, chars, 3)
	assert.Equal(t, uint16(0x0010), chars[0].Handle)
	assert.Equal(t, uint16(0x0011), chars[1].Handle)
	assert.Equal(t, uint16(0x0012), chars[2].Handle)
}

func TestFindHandle(t *testing.T) {
	tree := sampleTree()

	h, err := tree.FindHandle("180f", "2a19")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x002A), h)

	// Full SIG UUID forms resolve too.
	h, err = tree.FindHandle("0000180f-0000-1000-8000-00805f9b34fb", "00002a19-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x002A), h)

	_, err = tree.FindHandle("180f", "2a00")
	assert.Error(t, err)
	_, err = tree.FindHandle("1234", "2a19")
	assert.Error(t, err)
}

func TestCharacteristicBySourceHandle(t *testing.T) {
	tree := sampleTree()
	c, ok := tree.CharacteristicBySourceHandle(0x002A)
	require.True(t, ok)
	assert.Equal(t, "2a19", c.UUID)

	_, ok = tree.CharacteristicBySourceHandle(0x7777)
	assert.False(t, ok)
}

func TestPropertiesRoundTrip(t *testing.T) {
	p := PropRead | PropWriteNR | PropNotify
	names := p.Names()
	assert.Equal(t, []string{"read", "write-without-response", "notify"}, names)

	parsed, err := ParseProperties(names)
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParseProperties([]string{"levitate"})
	assert.Error(t, err)
}

func TestKnownNamesResolved(t *testing.T) {
	tree := sampleTree()
	svc, ok := tree.FindService("180f")
	require.True(t, ok)
	assert.Equal(t, "Battery", svc.Name)
	assert.Equal(t, "Battery Level", svc.Characteristics[0].Name)
}
