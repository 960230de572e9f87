// Package mockserver exposes the cloned attribute tree through the local
// controller and relays every client operation to the upstream
// peripheral: reads and writes pass through synchronously, upstream
// notifications fan out to subscribed centrals, and all traffic is
// logged and published to an observer tap.
package mockserver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/connector"
	"github.com/srg/blemitm/internal/profile"
	"github.com/srg/blemitm/internal/ringchan"
)

// ErrRegistrationFailed wraps database registration failures; they are
// fatal at start time.
var ErrRegistrationFailed = errors.New("GATT database registration failed")

// Device is the slice of the local controller the server needs.
type Device interface {
	AddService(svc *ble.Service) error
	RemoveAllServices() error
}

// Server mirrors the attribute tree on the local controller.
type Server struct {
	dev    Device
	conn   connector.Connector // nil in configuration-only mode
	tree   *profile.Tree       // exposed tree, already filtered
	logger *logrus.Logger

	traffic *ringchan.RingChannel[TrafficEvent]

	mu         sync.Mutex
	registered bool
	scHandle   uint16
	scSink     *serviceChangedSink
}

// New creates a server over the exposed tree. conn may be nil; the
// server then answers reads from cached values and accepts writes into
// them (configuration-only mode).
func New(dev Device, conn connector.Connector, tree *profile.Tree, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		dev:     dev,
		conn:    conn,
		tree:    tree,
		logger:  logger,
		traffic: newTrafficTap(),
	}
}

// Traffic returns the observer tap of relayed operations.
func (s *Server) Traffic() <-chan TrafficEvent {
	return s.traffic.C()
}

func (s *Server) publish(ev TrafficEvent) {
	s.traffic.Send(ev)
}

// Register lowers the tree into the local GATT database and starts the
// Service-Changed watch. Failures are fatal to session start.
func (s *Server) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return fmt.Errorf("%w: already registered", ErrRegistrationFailed)
	}

	for _, svc := range s.tree.Services {
		bleSvc, err := s.buildService(svc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
		}
		if err := s.dev.AddService(bleSvc); err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrRegistrationFailed, svc.UUID, err)
		}
		s.logger.WithFields(logrus.Fields{
			"service_uuid":    svc.UUID,
			"characteristics": len(svc.Characteristics),
		}).Info("Mirrored service registered")
	}

	s.watchServiceChanged()
	s.registered = true
	return nil
}

// Unregister removes the mirrored database. Idempotent.
func (s *Server) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return nil
	}
	s.registered = false

	if s.scSink != nil && s.conn != nil {
		_ = s.conn.Unsubscribe(s.scSink.handle, s.scSink)
		s.scSink = nil
	}
	if err := s.dev.RemoveAllServices(); err != nil {
		return fmt.Errorf("failed to remove mirrored services: %w", err)
	}
	s.logger.Info("Mirrored database unregistered")
	return nil
}

// buildService lowers one service node to its go-ble counterpart.
func (s *Server) buildService(svc *profile.Service) (*ble.Service, error) {
	u, err := ble.Parse(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("service UUID %q: %w", svc.UUID, err)
	}
	bleSvc := ble.NewService(u)

	for _, char := range svc.Characteristics {
		cu, err := ble.Parse(char.UUID)
		if err != nil {
			return nil, fmt.Errorf("characteristic UUID %q: %w", char.UUID, err)
		}
		bleChar := ble.NewCharacteristic(cu)

		sink := newRelaySink(s, char)

		if char.Readable() || char.Value != nil {
			bleChar.HandleRead(ble.ReadHandlerFunc(s.readHandler(char)))
		}
		if char.Writable() {
			bleChar.HandleWrite(ble.WriteHandlerFunc(s.writeHandler(char)))
		}
		switch {
		case char.Properties&profile.PropNotify != 0:
			bleChar.HandleNotify(ble.NotifyHandlerFunc(s.subscribeHandler(char, sink, false)))
		case char.Properties&profile.PropIndicate != 0:
			bleChar.HandleIndicate(ble.NotifyHandlerFunc(s.subscribeHandler(char, sink, true)))
		}
		// Mirror the remaining declaration bits the handlers above did
		// not already set.
		bleChar.Property |= ble.Property(char.Properties)

		for _, d := range char.Descriptors {
			du, err := ble.Parse(d.UUID)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"desc_uuid": d.UUID,
					"error":     err,
				}).Warn("Skipping unusable descriptor")
				continue
			}
			desc := bleChar.NewDescriptor(du)
			if len(d.Value) > 0 {
				desc.SetValue(d.Value)
			}
		}

		bleSvc.AddCharacteristic(bleChar)
	}
	return bleSvc, nil
}

// readHandler answers a client read by reading the upstream value, or
// the cached value when no upstream connection exists.
func (s *Server) readHandler(char *profile.Characteristic) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		if !char.Readable() {
			rsp.SetStatus(ble.ErrReadNotPerm)
			return
		}

		var data []byte
		if s.conn != nil {
			var err error
			data, err = s.conn.Read(char.SourceHandle)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"handle": fmt.Sprintf("0x%04X", char.SourceHandle),
					"uuid":   char.UUID,
					"error":  err,
				}).Error("Upstream read failed")
				// Surfaced as a GATT failure so the central can retry.
				rsp.SetStatus(ble.ErrUnlikely)
				return
			}
			char.Value = append([]byte(nil), data...)
		} else if char.Value != nil {
			data = char.Value
		} else {
			rsp.SetStatus(ble.ErrReqNotSupp)
			return
		}

		if _, err := rsp.Write(data); err != nil {
			s.logger.WithField("error", err).Warn("Failed to write read response")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"direction": DirRead,
			"handle":    fmt.Sprintf("0x%04X", char.SourceHandle),
			"uuid":      char.UUID,
			"payload":   hex.EncodeToString(data),
		}).Info("Relayed read")
		s.publish(TrafficEvent{
			Time:      time.Now(),
			Direction: DirRead,
			Handle:    char.SourceHandle,
			UUID:      char.UUID,
			Payload:   append([]byte(nil), data...),
		})
	}
}

// writeHandler forwards a client write upstream, or into the value cache
// when no upstream connection exists.
func (s *Server) writeHandler(char *profile.Characteristic) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		if !char.Writable() {
			rsp.SetStatus(ble.ErrWriteNotPerm)
			return
		}
		data := req.Data()
		if char.MaxLength > 0 && len(data) > char.MaxLength {
			rsp.SetStatus(ble.ErrInvalAttrValueLen)
			return
		}

		if s.conn != nil {
			if err := s.conn.Write(char.SourceHandle, data); err != nil {
				s.logger.WithFields(logrus.Fields{
					"handle": fmt.Sprintf("0x%04X", char.SourceHandle),
					"uuid":   char.UUID,
					"error":  err,
				}).Error("Upstream write failed")
				rsp.SetStatus(ble.ErrUnlikely)
				return
			}
		} else {
			char.Value = append([]byte(nil), data...)
		}

		s.logger.WithFields(logrus.Fields{
			"direction": DirWrite,
			"handle":    fmt.Sprintf("0x%04X", char.SourceHandle),
			"uuid":      char.UUID,
			"payload":   hex.EncodeToString(data),
		}).Info("Relayed write")
		s.publish(TrafficEvent{
			Time:      time.Now(),
			Direction: DirWrite,
			Handle:    char.SourceHandle,
			UUID:      char.UUID,
			Payload:   append([]byte(nil), data...),
		})
	}
}

// subscribeHandler runs for the lifetime of one subscriber session: it
// registers the relay sink with the connector, waits for the central to
// unsubscribe, and tears the registration down idempotently.
func (s *Server) subscribeHandler(char *profile.Characteristic, sink *relaySink, indicate bool) func(ble.Request, ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		sink.attach(n)
		defer sink.detach()

		if s.conn != nil {
			var err error
			if indicate {
				err = s.conn.SubscribeIndicate(char.SourceHandle, sink)
			} else {
				err = s.conn.SubscribeNotify(char.SourceHandle, sink)
			}
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"handle": fmt.Sprintf("0x%04X", char.SourceHandle),
					"uuid":   char.UUID,
					"error":  err,
				}).Error("Upstream subscribe failed")
				return
			}
			defer func() {
				_ = s.conn.Unsubscribe(char.SourceHandle, sink)
			}()
		}

		s.logger.WithFields(logrus.Fields{
			"handle":   fmt.Sprintf("0x%04X", char.SourceHandle),
			"uuid":     char.UUID,
			"indicate": indicate,
		}).Info("Central subscribed")

		<-n.Context().Done()

		s.logger.WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%04X", char.SourceHandle),
			"uuid":   char.UUID,
		}).Info("Central unsubscribed")
	}
}
