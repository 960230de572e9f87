package mitm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/hci"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/advertiser"
	"github.com/srg/blemitm/internal/connector"
	"github.com/srg/blemitm/internal/profile"
	"github.com/srg/blemitm/internal/snapshot"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeDevice struct {
	added   []*ble.Service
	removed int
}

func (d *fakeDevice) AddService(svc *ble.Service) error {
	d.added = append(d.added, svc)
	return nil
}

func (d *fakeDevice) RemoveAllServices() error {
	d.removed++
	return nil
}

type fakeSender struct{ sent int }

func (f *fakeSender) Send(hci.Command, hci.CommandRP) error {
	f.sent++
	return nil
}

type stubConnector struct {
	tree         *profile.Tree
	pollErr      atomic.Value // error
	disconnected atomic.Bool
}

func (c *stubConnector) Connect(context.Context, string, connector.AddrType) error { return nil }
func (c *stubConnector) Disconnect() error                                         { c.disconnected.Store(true); return nil }
func (c *stubConnector) IsConnected() bool                                         { return true }
func (c *stubConnector) AddressType() connector.AddrType                           { return connector.AddrRandom }
func (c *stubConnector) DiscoverTree() (*profile.Tree, error)                      { return c.tree, nil }
func (c *stubConnector) Read(uint16) ([]byte, error)                               { return nil, nil }
func (c *stubConnector) Write(uint16, []byte) error                                { return nil }
func (c *stubConnector) SubscribeNotify(uint16, connector.Sink) error              { return nil }
func (c *stubConnector) SubscribeIndicate(uint16, connector.Sink) error            { return nil }
func (c *stubConnector) Unsubscribe(uint16, connector.Sink) error                  { return nil }
func (c *stubConnector) ScanFor(context.Context, string, time.Duration) (*adv.Record, *adv.Record, error) {
	return adv.NewRecord(), adv.NewRecord(), nil
}

func (c *stubConnector) Poll(maxWait time.Duration) error {
	if err, ok := c.pollErr.Load().(error); ok && err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return nil
}

func upstreamTree() *profile.Tree {
	tree := &profile.Tree{}
	gatt := tree.AddService(profile.NewService("1801"))
	gatt.AddCharacteristic(profile.NewCharacteristic("2a05", profile.PropIndicate, 0x0008))
	batt := tree.AddService(profile.NewService("180f"))
	batt.AddCharacteristic(profile.NewCharacteristic("2a19", profile.PropRead|profile.PropNotify, 0x002A))
	tree.AssignHandles()
	return tree
}

func configDocument() *snapshot.Document {
	rec := adv.NewRecord()
	rec.SetLocalName("Thermo-7")
	return snapshot.FromSession(upstreamTree(), rec, nil, "Thermo-7", "AA:BB:CC:DD:EE:FF", "public")
}

func newManager() (*Manager, *fakeDevice, *fakeSender) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	m := NewManager(dev, advertiser.New(sender, newTestLogger()), newTestLogger())
	return m, dev, sender
}

func TestConfigureRequiresASource(t *testing.T) {
	m, _, _ := newManager()
	err := m.Configure(Session{})
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
}

func TestConfigOnlyLifecycle(t *testing.T) {
	m, dev, _ := newManager()

	require.NoError(t, m.Configure(Session{Config: configDocument()}))
	assert.Equal(t, StateConfigured, m.State())

	require.NoError(t, m.Start())
	assert.Equal(t, StateRunning, m.State())

	// GAP/GATT are filtered; only the battery service is mirrored.
	require.Len(t, dev.added, 1)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 1, dev.removed)

	// Double stop is a no-op.
	require.NoError(t, m.Stop())
	assert.Equal(t, 1, dev.removed)
}

func TestConfigureLiveDiscovery(t *testing.T) {
	m, dev, _ := newManager()
	conn := &stubConnector{tree: upstreamTree()}

	require.NoError(t, m.Configure(Session{
		Connector:  conn,
		ScannedAdv: adv.NewRecord(),
		Options:    &Options{AdvName: "Clone"},
	}))
	require.NoError(t, m.Start())
	require.Len(t, dev.added, 1)

	require.NoError(t, m.Stop())
	assert.True(t, conn.disconnected.Load(), "stop releases the upstream connection")
}

func TestConfigWinsOverConnector(t *testing.T) {
	m, _, _ := newManager()
	conn := &stubConnector{tree: &profile.Tree{}} // discovery would yield nothing

	require.NoError(t, m.Configure(Session{Connector: conn, Config: configDocument()}))

	// The stored tree, not the empty live one, backs the session.
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()
	assert.NotNil(t, m.Server())
}

func TestStartOnlyFromConfigured(t *testing.T) {
	m, _, _ := newManager()
	assert.Error(t, m.Start())

	require.NoError(t, m.Configure(Session{Config: configDocument()}))
	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "double start fails")
	require.NoError(t, m.Stop())
}

func TestFatalPumpErrorEndsWait(t *testing.T) {
	m, _, _ := newManager()
	conn := &stubConnector{tree: upstreamTree()}

	require.NoError(t, m.Configure(Session{Connector: conn}))
	require.NoError(t, m.Start())

	conn.pollErr.Store(errors.New("upstream went away"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, connector.ErrUpstreamLost)

	require.NoError(t, m.Stop())
}

func TestWaitReturnsOnCancel(t *testing.T) {
	m, _, _ := newManager()
	require.NoError(t, m.Configure(Session{Config: configDocument()}))
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Wait(ctx))
}

func TestSnapshotCapturesSession(t *testing.T) {
	m, _, _ := newManager()
	require.NoError(t, m.Configure(Session{Config: configDocument(), Options: &Options{
		AdvName:   "Thermo-7",
		ConnectTo: "AA:BB:CC:DD:EE:FF",
		AddrType:  connector.AddrPublic,
	}}))

	doc := m.Snapshot()
	assert.Equal(t, "Thermo-7", doc.AdvName)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", doc.ConnectTo)
	// The full tree is stored, including the services filtering removes
	// from the exposed copy.
	assert.Contains(t, doc.Services, "1801")
	assert.Contains(t, doc.Services, "180f")
}
