package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/hci"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/bledb"
	"github.com/srg/blemitm/internal/groutine"
	"github.com/srg/blemitm/internal/profile"
	"github.com/srg/blemitm/internal/ringchan"
)

// upstreamEvent is one pending notification or indication.
type upstreamEvent struct {
	handle uint16
	data   []byte
}

// subMode tracks which CCCD bits are enabled for a handle.
type subMode struct {
	notify   bool
	indicate bool
}

// BLEConnector is the go-ble backend of the Connector capability set.
//
// A single mutex serialises every call that touches the upstream
// connection, which makes upstream ordering deterministic per handle.
// go-ble notification callbacks never take the mutex; they only enqueue
// into the event ring, which Poll drains under the lock.
type BLEConnector struct {
	dev    ble.Device
	opts   *Options
	logger *logrus.Logger

	mu        sync.Mutex
	client    ble.Client
	connected bool
	addrType  AddrType
	tree      *profile.Tree
	chars     map[uint16]*ble.Characteristic
	model     map[uint16]*profile.Characteristic
	subModes  map[uint16]*subMode

	subs   *Table
	events *ringchan.RingChannel[upstreamEvent]
	lost   atomic.Bool
}

var _ Connector = (*BLEConnector)(nil)

// NewBLEConnector creates a connector bound to a host controller.
func NewBLEConnector(dev ble.Device, opts *Options, logger *logrus.Logger) *BLEConnector {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEConnector{
		dev:      dev,
		opts:     opts,
		logger:   logger,
		chars:    make(map[uint16]*ble.Characteristic),
		model:    make(map[uint16]*profile.Characteristic),
		subModes: make(map[uint16]*subMode),
		subs:     NewTable(),
		events:   ringchan.New[upstreamEvent](opts.EventBuffer),
	}
}

// Subscriptions exposes the subscription table.
func (c *BLEConnector) Subscriptions() *Table {
	return c.subs
}

// Connect dials the peripheral, trying the hinted address type first and
// the other kind after it, with one retry each. The accepted kind is
// recorded for the session.
func (c *BLEConnector) Connect(ctx context.Context, address string, hint AddrType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected to %s", address)
	}
	if hint == "" {
		hint = AddrPublic
	}

	var lastErr error
	for _, at := range []AddrType{hint, hint.Other()} {
		for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
			c.logger.WithFields(logrus.Fields{
				"address":   address,
				"addr_type": at,
				"attempt":   attempt,
			}).Info("Connecting to upstream device...")

			client, err := c.dial(ctx, address, at)
			if err != nil {
				lastErr = err
				c.logger.WithFields(logrus.Fields{
					"address":   address,
					"addr_type": at,
					"error":     err,
				}).Warn("Connect attempt failed")
				continue
			}

			if err := c.finishConnect(client, address, at); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s (tried %s and %s): %v", ErrConnectFailed, address, hint, hint.Other(), lastErr)
}

func (c *BLEConnector) dial(ctx context.Context, address string, at AddrType) (ble.Client, error) {
	addr := ble.NewAddr(address)
	if at == AddrRandom {
		addr = hci.RandomAddress{Addr: addr}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	return c.dev.Dial(dialCtx, addr)
}

// finishConnect discovers the attribute database and arms the
// disconnect monitor. Called with the mutex held.
func (c *BLEConnector) finishConnect(client ble.Client, address string, at AddrType) error {
	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to discover profile of %s: %w", address, err)
	}

	c.client = client
	c.connected = true
	c.addrType = at
	c.lost.Store(false)
	c.buildTree(bleProfile)

	groutine.Go(context.Background(), "upstream-disconnect-monitor", func(context.Context) {
		<-client.Disconnected()
		c.logger.Warn("Upstream connection reported lost")
		c.lost.Store(true)
	})

	c.logger.WithFields(logrus.Fields{
		"address":   address,
		"addr_type": at,
		"services":  len(c.tree.Services),
	}).Info("Upstream device connected")
	return nil
}

// buildTree converts the discovered ble.Profile into the attribute model
// and indexes characteristics by their upstream value handle.
func (c *BLEConnector) buildTree(p *ble.Profile) {
	tree := &profile.Tree{}
	c.chars = make(map[uint16]*ble.Characteristic)
	c.model = make(map[uint16]*profile.Characteristic)

	for _, bleSvc := range p.Services {
		svc := tree.AddService(profile.NewService(bleSvc.UUID.String()))
		for _, bleChar := range bleSvc.Characteristics {
			ch := svc.AddCharacteristic(profile.NewCharacteristic(
				bleChar.UUID.String(),
				profile.Properties(bleChar.Property),
				bleChar.ValueHandle,
			))
			for _, d := range bleChar.Descriptors {
				du := bledb.NormalizeUUID(d.UUID.String())
				if du == "2902" {
					// The local stack manages its own CCCDs.
					continue
				}
				ch.Descriptors = append(ch.Descriptors, profile.NewDescriptor(du, c.readDescriptor(d)))
			}
			c.chars[bleChar.ValueHandle] = bleChar
			c.model[bleChar.ValueHandle] = ch
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID,
				"char_uuid":    ch.UUID,
				"handle":       fmt.Sprintf("0x%04X", ch.SourceHandle),
				"props":        ch.Properties.String(),
			}).Debug("Discovered characteristic")
		}
	}
	tree.AssignHandles()
	c.tree = tree
}

// readDescriptor reads a descriptor value best-effort; mirroring works
// without it, so failures only log.
func (c *BLEConnector) readDescriptor(d *ble.Descriptor) []byte {
	data, err := c.client.ReadDescriptor(d)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"desc_uuid": d.UUID.String(),
			"error":     err,
		}).Debug("Descriptor read skipped")
		return nil
	}
	return data
}

// Disconnect tears the upstream connection down. Disconnecting twice is
// a no-op.
func (c *BLEConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	client := c.client
	for handle, mode := range c.subModes {
		c.disableUpstream(client, handle, mode)
	}
	c.subModes = make(map[uint16]*subMode)
	c.subs.Clear()

	c.client = nil
	c.connected = false

	err := client.CancelConnection()
	if err != nil {
		c.logger.WithField("error", err).Warn("Upstream disconnected with errors")
	} else {
		c.logger.Info("Upstream device disconnected")
	}
	return err
}

// IsConnected reports whether the upstream connection is live.
func (c *BLEConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.lost.Load()
}

// AddressType reports the accepted address type of the last connect.
func (c *BLEConnector) AddressType() AddrType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrType
}

// DiscoverTree returns the attribute tree mirrored at connect time.
func (c *BLEConnector) DiscoverTree() (*profile.Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	return c.tree, nil
}

// Read reads the characteristic the upstream addresses with handle.
func (c *BLEConnector) Read(handle uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	char, client, err := c.lookupLocked(handle)
	if err != nil {
		return nil, err
	}

	data, err := c.call("read", handle, func() ([]byte, error) {
		return client.ReadCharacteristic(char)
	})
	if err != nil {
		return nil, err
	}
	if m := c.model[handle]; m != nil {
		m.Value = append([]byte(nil), data...)
	}
	return data, nil
}

// Write writes octets to the characteristic behind handle. Whether the
// write expects a response follows the characteristic's declared flags.
func (c *BLEConnector) Write(handle uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	char, client, err := c.lookupLocked(handle)
	if err != nil {
		return err
	}

	noRsp := char.Property&ble.CharWrite == 0 && char.Property&ble.CharWriteNR != 0
	payload := append([]byte(nil), data...)
	_, err = c.call("write", handle, func() ([]byte, error) {
		return nil, client.WriteCharacteristic(char, payload, noRsp)
	})
	return err
}

// lookupLocked resolves a handle to its live characteristic. Called with
// the mutex held.
func (c *BLEConnector) lookupLocked(handle uint16) (*ble.Characteristic, ble.Client, error) {
	if !c.connected || c.client == nil {
		return nil, nil, ErrNotConnected
	}
	if c.lost.Load() {
		return nil, nil, ErrUpstreamLost
	}
	char, ok := c.chars[handle]
	if !ok {
		return nil, nil, fmt.Errorf("no upstream characteristic with handle 0x%04X", handle)
	}
	return char, c.client, nil
}

// call runs one attribute operation with a deadline. go-ble calls cannot
// be cancelled, so on timeout the operation is abandoned and its
// goroutine left to drain.
func (c *BLEConnector) call(op string, handle uint16, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := fn()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(c.opts.OperationTimeout):
		c.logger.WithFields(logrus.Fields{
			"op":     op,
			"handle": fmt.Sprintf("0x%04X", handle),
		}).Warn("Upstream operation abandoned after timeout")
		return nil, fmt.Errorf("%s on handle 0x%04X: %w", op, handle, ErrUpstreamTimeout)
	}
}

// SubscribeNotify enables notifications for handle and registers a sink.
func (c *BLEConnector) SubscribeNotify(handle uint16, s Sink) error {
	return c.subscribe(handle, s, false)
}

// SubscribeIndicate enables indications for handle and registers a sink.
func (c *BLEConnector) SubscribeIndicate(handle uint16, s Sink) error {
	return c.subscribe(handle, s, true)
}

func (c *BLEConnector) subscribe(handle uint16, s Sink, indicate bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	char, client, err := c.lookupLocked(handle)
	if err != nil {
		return err
	}

	mode, ok := c.subModes[handle]
	if !ok {
		mode = &subMode{}
		c.subModes[handle] = mode
	}

	// The CCCD write happens once per (handle, mode); later sinks just
	// join the fan-out.
	enabled := (indicate && mode.indicate) || (!indicate && mode.notify)
	if !enabled {
		h := handle
		if err := client.Subscribe(char, indicate, func(data []byte) {
			c.events.Send(upstreamEvent{handle: h, data: append([]byte(nil), data...)})
		}); err != nil {
			return fmt.Errorf("subscribe handle 0x%04X: %w", handle, err)
		}
		if indicate {
			mode.indicate = true
		} else {
			mode.notify = true
		}
		c.logger.WithFields(logrus.Fields{
			"handle":   fmt.Sprintf("0x%04X", handle),
			"indicate": indicate,
		}).Info("Subscribed to upstream characteristic")
	}

	c.subs.Add(handle, s)
	return nil
}

// Unsubscribe removes a sink registration; when the last sink for a
// handle is gone the upstream CCCD is cleared. Unsubscribing a pair that
// was never subscribed is a no-op.
func (c *BLEConnector) Unsubscribe(handle uint16, s Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	empty := c.subs.Remove(handle, s)
	if !empty {
		return nil
	}

	mode, ok := c.subModes[handle]
	if !ok || c.client == nil {
		return nil
	}
	c.disableUpstream(c.client, handle, mode)
	delete(c.subModes, handle)
	return nil
}

// disableUpstream clears the CCCD bits that were enabled for a handle.
func (c *BLEConnector) disableUpstream(client ble.Client, handle uint16, mode *subMode) {
	char, ok := c.chars[handle]
	if !ok {
		return
	}
	if mode.notify {
		if err := client.Unsubscribe(char, false); err != nil {
			c.logger.WithFields(logrus.Fields{
				"handle": fmt.Sprintf("0x%04X", handle),
				"error":  err,
			}).Warn("Failed to disable upstream notifications")
		}
	}
	if mode.indicate {
		if err := client.Unsubscribe(char, true); err != nil {
			c.logger.WithFields(logrus.Fields{
				"handle": fmt.Sprintf("0x%04X", handle),
				"error":  err,
			}).Warn("Failed to disable upstream indications")
		}
	}
}

// Poll waits at most maxWait for the first pending upstream event and
// then dispatches the whole pending batch to the registered sinks. A
// sink failure stops the batch and is returned to the caller.
func (c *BLEConnector) Poll(maxWait time.Duration) error {
	if c.lost.Load() {
		return ErrUpstreamLost
	}

	var ev upstreamEvent
	var ok bool
	select {
	case ev, ok = <-c.events.C():
		if !ok {
			return nil
		}
	case <-time.After(maxWait):
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dispatchLocked(ev); err != nil {
		return err
	}
	for {
		next, more := c.events.TryReceive()
		if !more {
			return nil
		}
		if err := c.dispatchLocked(next); err != nil {
			return err
		}
	}
}

func (c *BLEConnector) dispatchLocked(ev upstreamEvent) error {
	if m := c.model[ev.handle]; m != nil {
		m.Value = append([]byte(nil), ev.data...)
	}
	for _, s := range c.subs.Sinks(ev.handle) {
		if err := s.Write(ev.data); err != nil {
			c.logger.WithFields(logrus.Fields{
				"handle": fmt.Sprintf("0x%04X", ev.handle),
				"error":  err,
			}).Error("Notification sink failed")
			return fmt.Errorf("sink for handle 0x%04X: %w", ev.handle, err)
		}
	}
	return nil
}
