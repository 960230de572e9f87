package advertiser

import (
	"errors"
	"testing"

	"github.com/go-ble/ble/linux/hci"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemitm/internal/adv"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type sentCommand struct {
	opcode int
	data   []byte
}

type fakeSender struct {
	sent []sentCommand
	err  error
}

func (f *fakeSender) Send(c hci.Command, _ hci.CommandRP) error {
	if f.err != nil {
		return f.err
	}
	b := make([]byte, c.Len())
	if err := c.Marshal(b); err != nil {
		return err
	}
	f.sent = append(f.sent, sentCommand{opcode: c.OpCode(), data: b})
	return nil
}

func (f *fakeSender) opcodes() []int {
	out := make([]int, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.opcode
	}
	return out
}

// Opcodes of the commands the advertiser issues.
const (
	opSetAdvParams     = 0x08<<10 | 0x0006
	opSetAdvData       = 0x08<<10 | 0x0008
	opSetScanRespData  = 0x08<<10 | 0x0009
	opSetAdvEnable     = 0x08<<10 | 0x000A
	opSetRandomAddress = 0x08<<10 | 0x0035
)

func newRegistered(t *testing.T) (*Advertiser, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	a := New(sender, newTestLogger())
	require.NoError(t, a.SetLocalName("Thermo-7"))
	require.NoError(t, a.SetServiceUUIDs([]string{"180f"}))
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Register())
	return a, sender
}

func TestRegisterProgramsController(t *testing.T) {
	_, sender := newRegistered(t)

	assert.Equal(t, []int{opSetAdvParams, opSetAdvData, opSetScanRespData, opSetAdvEnable}, sender.opcodes())

	// LESetAdvertisingData carries a length octet then 31 data octets.
	advCmd := sender.sent[1]
	length := int(advCmd.data[0])
	assert.LessOrEqual(t, length, adv.MaxPDULength)

	rec, err := adv.Decode(advCmd.data[1 : 1+length])
	require.NoError(t, err)
	name, _, ok := rec.LocalName()
	require.True(t, ok)
	assert.Equal(t, "Thermo-7", name)

	flags, ok := rec.Flags()
	require.True(t, ok, "default discoverable flags are added when absent")
	assert.Equal(t, adv.FlagGeneralDiscoverable|adv.FlagLEOnly, flags)

	enable := sender.sent[3]
	assert.Equal(t, []byte{0x01}, enable.data)
}

func TestRegisterRequiresInitialize(t *testing.T) {
	a := New(&fakeSender{}, newTestLogger())
	assert.Error(t, a.Register())
}

func TestMutationWhileRegistered(t *testing.T) {
	a, _ := newRegistered(t)

	assert.ErrorIs(t, a.SetLocalName("other"), ErrRegistered)
	assert.ErrorIs(t, a.Merge(adv.NewRecord()), ErrRegistered)
	assert.ErrorIs(t, a.SetStaticAddress("AA:BB:CC:DD:EE:FF"), ErrRegistered)

	// unregister → mutate → register is the sanctioned path.
	require.NoError(t, a.Unregister())
	require.NoError(t, a.SetLocalName("other"))
	require.NoError(t, a.Register())
}

func TestUnregisterIdempotent(t *testing.T) {
	a, sender := newRegistered(t)

	require.NoError(t, a.Unregister())
	disables := len(sender.sent)
	require.NoError(t, a.Unregister())
	assert.Equal(t, disables, len(sender.sent), "second unregister sends nothing")

	last := sender.sent[len(sender.sent)-1]
	assert.Equal(t, opSetAdvEnable, last.opcode)
	assert.Equal(t, []byte{0x00}, last.data)
}

func TestStaticAddressCommand(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, newTestLogger())
	require.NoError(t, a.SetLocalName("x"))
	require.NoError(t, a.SetStaticAddress("DC:23:4F:DD:48:3E"))
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Register())

	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, opSetRandomAddress, last.opcode)
	// Handle octet then the address in little-endian order.
	assert.Equal(t, []byte{0x00, 0x3E, 0x48, 0xDD, 0x4F, 0x23, 0xDC}, last.data)
}

func TestRegisterTooLargeField(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, newTestLogger())
	require.NoError(t, a.AddManufacturer(0x004C, make([]byte, 40)))
	require.NoError(t, a.Initialize())

	err := a.Register()
	var tooLarge *adv.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.False(t, a.Registered())
}

func TestSendFailureSurfaces(t *testing.T) {
	sender := &fakeSender{err: errors.New("controller unhappy")}
	a := New(sender, newTestLogger())
	assert.Error(t, a.Initialize())
}
