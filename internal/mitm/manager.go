// Package mitm wires the proxy together: it owns the cloned attribute
// tree, the advertiser, the GATT mock server, and the notification pump,
// and drives them through the configure → start → stop lifecycle.
package mitm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/advertiser"
	"github.com/srg/blemitm/internal/connector"
	"github.com/srg/blemitm/internal/mockserver"
	"github.com/srg/blemitm/internal/profile"
	"github.com/srg/blemitm/internal/snapshot"
)

// State is the manager lifecycle state.
type State int

// Lifecycle states.
const (
	StateIdle State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrRegistrationFailed marks start-time registration failures; they are
// fatal, nothing is left half-started.
var ErrRegistrationFailed = errors.New("session registration failed")

// pumpStopGrace bounds the join on the notification pump during Stop.
const pumpStopGrace = 2 * time.Second

// Options carries the caller's overrides for the cloned identity.
type Options struct {
	AdvName         string
	AdvShortName    string
	AdvServiceUUIDs []string
	StaticAddr      string
	ConnectTo       string
	AddrType        connector.AddrType
}

// Session is the input to Configure. Connector and Config may each be
// nil, but not both; when both are present the stored configuration wins
// for the tree and advertisement while the connector still serves live
// reads and writes.
type Session struct {
	Connector  connector.Connector
	Config     *snapshot.Document
	ScannedAdv *adv.Record
	ScannedSR  *adv.Record
	Options    *Options
}

// Manager is the session orchestrator.
type Manager struct {
	dev    mockserver.Device
	advt   *advertiser.Advertiser
	logger *logrus.Logger

	mu      sync.Mutex
	state   State
	conn    connector.Connector
	tree    *profile.Tree // full upstream tree
	exposed *profile.Tree // filtered copy behind the mock server
	advRec  *adv.Record
	srRec   *adv.Record
	opts    *Options
	server  *mockserver.Server
	pump    *connector.Pump

	fatal chan error
}

// NewManager creates an unconfigured manager over the local controller
// pieces it will own.
func NewManager(dev mockserver.Device, advt *advertiser.Advertiser, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		dev:    dev,
		advt:   advt,
		logger: logger,
		state:  StateIdle,
		fatal:  make(chan error, 1),
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Server exposes the mock server (available after Configure).
func (m *Manager) Server() *mockserver.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// Configure builds the session: resolves the attribute tree and the
// advertisement, prepares the mock server, and programs the advertiser.
func (m *Manager) Configure(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("cannot configure in state %s", m.state)
	}
	if s.Connector == nil && s.Config == nil {
		return errors.New("nothing to configure: need an upstream connection or a stored configuration")
	}
	if s.Options == nil {
		s.Options = &Options{}
	}
	m.conn = s.Connector
	m.opts = s.Options

	if err := m.resolveTree(s); err != nil {
		return err
	}
	if err := m.resolveAdvertisement(s); err != nil {
		return err
	}

	m.exposed = m.tree.FilterLocal()
	m.logger.WithFields(logrus.Fields{
		"services": len(m.exposed.Services),
	}).Info("Exposed attribute tree built")
	m.logger.Debug("Cloned database:\n" + m.exposed.String())

	m.server = mockserver.New(m.dev, m.conn, m.exposed, m.logger)
	if _, sc, ok := m.tree.FindCharacteristic(profile.ServiceChangedUUID); ok {
		m.server.SetServiceChangedSource(sc.SourceHandle)
	}

	if err := m.programAdvertiser(); err != nil {
		return err
	}

	if m.conn != nil {
		m.pump = connector.NewPump(m.conn, connector.DefaultPollInterval, m.logger, m.onPumpFatal)
	}

	m.state = StateConfigured
	m.logger.Info("Session configured")
	return nil
}

// resolveTree picks the attribute tree source: stored configuration
// wins, live discovery otherwise.
func (m *Manager) resolveTree(s Session) error {
	if s.Config != nil {
		tree, err := s.Config.Tree()
		if err != nil {
			return fmt.Errorf("bad stored configuration: %w", err)
		}
		m.tree = tree
		return nil
	}
	tree, err := s.Connector.DiscoverTree()
	if err != nil {
		return fmt.Errorf("upstream discovery failed: %w", err)
	}
	m.tree = tree
	return nil
}

// resolveAdvertisement picks the advertisement source with the same
// precedence as the tree.
func (m *Manager) resolveAdvertisement(s Session) error {
	if s.Config != nil {
		advRec, err := s.Config.Advertisement()
		if err != nil {
			return fmt.Errorf("bad stored advertisement: %w", err)
		}
		srRec, err := s.Config.ScanResponseRecord()
		if err != nil {
			return fmt.Errorf("bad stored scan response: %w", err)
		}
		m.advRec, m.srRec = advRec, srRec
		return nil
	}
	m.advRec = s.ScannedAdv
	if m.advRec == nil {
		m.advRec = adv.NewRecord()
	}
	m.srRec = s.ScannedSR
	if m.srRec == nil {
		m.srRec = adv.NewRecord()
	}
	return nil
}

// programAdvertiser feeds the cloned records and the caller's overrides
// into the advertiser.
func (m *Manager) programAdvertiser() error {
	if err := m.advt.Merge(m.advRec); err != nil {
		return err
	}
	if err := m.advt.MergeScanResponse(m.srRec); err != nil {
		return err
	}
	if m.opts.AdvName != "" {
		if err := m.advt.SetLocalName(m.opts.AdvName); err != nil {
			return err
		}
	}
	if m.opts.AdvShortName != "" {
		if err := m.advt.SetShortName(m.opts.AdvShortName); err != nil {
			return err
		}
	}
	if len(m.opts.AdvServiceUUIDs) > 0 {
		if err := m.advt.SetServiceUUIDs(m.opts.AdvServiceUUIDs); err != nil {
			return err
		}
	}
	if m.opts.StaticAddr != "" {
		if err := m.advt.SetStaticAddress(m.opts.StaticAddr); err != nil {
			return err
		}
	}
	return nil
}

// Start brings the session up: advertisement, mirrored database, pump.
// A registration failure tears down whatever had come up.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConfigured {
		return fmt.Errorf("cannot start in state %s", m.state)
	}

	if err := m.advt.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if err := m.advt.Register(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if err := m.server.Register(); err != nil {
		_ = m.advt.Unregister()
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if m.pump != nil {
		m.pump.Start()
	}

	m.state = StateRunning
	m.logger.Info("Proxy session running")
	return nil
}

// Wait blocks until the session dies or the context is cancelled. It
// returns nil on cancellation and the fatal error otherwise.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.fatal:
		return err
	}
}

// Stop releases everything Start acquired, in reverse order, and
// disconnects the upstream connector. Stopping a stopped or never
// configured session is a no-op; a configured session that was never
// started is still torn down. Partial failures do not keep later
// resources from being released.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped || m.state == StateIdle {
		return nil
	}
	m.state = StateStopped

	var errs []error
	if m.pump != nil {
		if err := m.pump.Stop(pumpStopGrace); err != nil {
			errs = append(errs, err)
		}
	}
	if m.server != nil {
		if err := m.server.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.advt.Unregister(); err != nil {
		errs = append(errs, err)
	}
	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.logger.WithField("errors", errs).Warn("Session stopped with errors")
		return errors.Join(errs...)
	}
	m.logger.Info("Session stopped")
	return nil
}

// Snapshot captures the session for persistence.
func (m *Manager) Snapshot() *snapshot.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts == nil {
		m.opts = &Options{}
	}
	addrType := m.opts.AddrType
	if m.conn != nil {
		addrType = m.conn.AddressType()
	}
	return snapshot.FromSession(m.tree, m.advRec, m.srRec, m.opts.AdvName, m.opts.ConnectTo, string(addrType))
}

// onPumpFatal funnels the pump's terminal error into Wait exactly once.
func (m *Manager) onPumpFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}
