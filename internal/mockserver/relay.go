package mockserver

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/profile"
)

// relaySink couples one mocked characteristic to its upstream handle.
// The GATT server registers it with the connector while a central is
// subscribed; upstream values arrive through Write and are pushed out as
// a property change on the local characteristic.
type relaySink struct {
	server *Server
	char   *profile.Characteristic

	mu       sync.Mutex
	notifier ble.Notifier
}

func newRelaySink(server *Server, char *profile.Characteristic) *relaySink {
	return &relaySink{server: server, char: char}
}

// attach binds the live notifier of a subscriber session.
func (s *relaySink) attach(n ble.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// detach drops the notifier when the subscriber session ends.
func (s *relaySink) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = nil
}

// Write forwards one upstream notification to the subscribed central.
// Zero-length payloads are dropped: the downstream property-change
// machinery refuses empty arrays.
func (s *relaySink) Write(data []byte) error {
	if len(data) == 0 {
		s.server.logger.WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%04X", s.char.SourceHandle),
			"uuid":   s.char.UUID,
		}).Debug("Dropping empty upstream notification")
		return nil
	}

	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n == nil {
		// The central unsubscribed while the event was in flight.
		return nil
	}

	if _, err := n.Write(data); err != nil {
		return fmt.Errorf("local notify of %s failed: %w", s.char.UUID, err)
	}

	s.server.logger.WithFields(logrus.Fields{
		"direction": DirNotify,
		"handle":    fmt.Sprintf("0x%04X", s.char.SourceHandle),
		"uuid":      s.char.UUID,
		"payload":   hex.EncodeToString(data),
	}).Info("Relayed notification")
	s.server.publish(TrafficEvent{
		Time:      time.Now(),
		Direction: DirNotify,
		Handle:    s.char.SourceHandle,
		UUID:      s.char.UUID,
		Payload:   append([]byte(nil), data...),
	})
	return nil
}
