package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/profile"
)

// fakeConnector satisfies Connector for pump tests.
type fakeConnector struct {
	mu        sync.Mutex
	polls     atomic.Int64
	pollErr   error
	pollAfter int64 // fail once this many polls have happened
}

func (f *fakeConnector) Connect(context.Context, string, AddrType) error { return nil }
func (f *fakeConnector) Disconnect() error                               { return nil }
func (f *fakeConnector) IsConnected() bool                               { return true }
func (f *fakeConnector) AddressType() AddrType                           { return AddrPublic }
func (f *fakeConnector) DiscoverTree() (*profile.Tree, error)            { return &profile.Tree{}, nil }
func (f *fakeConnector) Read(uint16) ([]byte, error)                     { return nil, nil }
func (f *fakeConnector) Write(uint16, []byte) error                      { return nil }
func (f *fakeConnector) SubscribeNotify(uint16, Sink) error              { return nil }
func (f *fakeConnector) SubscribeIndicate(uint16, Sink) error            { return nil }
func (f *fakeConnector) Unsubscribe(uint16, Sink) error                  { return nil }
func (f *fakeConnector) ScanFor(context.Context, string, time.Duration) (*adv.Record, *adv.Record, error) {
	return adv.NewRecord(), adv.NewRecord(), nil
}

func (f *fakeConnector) Poll(maxWait time.Duration) error {
	n := f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil && n > f.pollAfter {
		return f.pollErr
	}
	time.Sleep(time.Millisecond)
	return nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPumpStartStop(t *testing.T) {
	fake := &fakeConnector{}
	pump := NewPump(fake, 5*time.Millisecond, newTestLogger(), nil)

	pump.Start()
	assert.Eventually(t, func() bool { return fake.polls.Load() > 2 }, time.Second, time.Millisecond)

	require.NoError(t, pump.Stop(time.Second))
	settled := fake.polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, fake.polls.Load(), settled+1, "no polling after stop")
}

func TestPumpDoubleStartAndStop(t *testing.T) {
	fake := &fakeConnector{}
	pump := NewPump(fake, 5*time.Millisecond, newTestLogger(), nil)

	pump.Start()
	pump.Start()
	require.NoError(t, pump.Stop(time.Second))
	require.NoError(t, pump.Stop(time.Second), "stopping a stopped pump is a no-op")
}

func TestPumpSurfacesFatalError(t *testing.T) {
	fake := &fakeConnector{pollErr: errors.New("handler blew up"), pollAfter: 3}

	fatalCh := make(chan error, 1)
	pump := NewPump(fake, 5*time.Millisecond, newTestLogger(), func(err error) {
		fatalCh <- err
	})
	pump.Start()

	select {
	case err := <-fatalCh:
		assert.ErrorIs(t, err, ErrUpstreamLost)
	case <-time.After(time.Second):
		t.Fatal("pump never reported the fatal error")
	}

	// The pump stopped itself; polls must not keep climbing.
	settled := fake.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, fake.polls.Load())

	require.NoError(t, pump.Stop(time.Second))
}

func TestPumpIntervalClamped(t *testing.T) {
	pump := NewPump(&fakeConnector{}, 5*time.Second, newTestLogger(), nil)
	assert.Equal(t, time.Second, pump.interval, "poll interval is bounded at one second")

	pump = NewPump(&fakeConnector{}, 0, newTestLogger(), nil)
	assert.Equal(t, DefaultPollInterval, pump.interval)
}
