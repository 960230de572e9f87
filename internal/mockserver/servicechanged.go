package mockserver

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// serviceChangedSink watches the upstream Service Changed characteristic.
// The local Generic Attribute service belongs to the host stack, which
// re-signals database changes itself; the upstream event is surfaced to
// observers so connected clients can be told to rediscover.
type serviceChangedSink struct {
	server *Server
	handle uint16
}

func (s *serviceChangedSink) Write(data []byte) error {
	s.server.logger.WithFields(logrus.Fields{
		"handle":  fmt.Sprintf("0x%04X", s.handle),
		"payload": hex.EncodeToString(data),
	}).Warn("Upstream attribute database changed; clients should rediscover")
	s.server.publish(TrafficEvent{
		Time:      time.Now(),
		Direction: DirNotify,
		Handle:    s.handle,
		UUID:      "2a05",
		Payload:   append([]byte(nil), data...),
	})
	return nil
}

// SetServiceChangedSource points the server at the upstream Service
// Changed characteristic, which lives in the Generic Attribute service
// that filtering removed from the exposed tree. Must be called before
// Register.
func (s *Server) SetServiceChangedSource(handle uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scHandle = handle
}

// watchServiceChanged subscribes upstream for Service Changed
// indications. Called with the server mutex held during Register.
func (s *Server) watchServiceChanged() {
	if s.conn == nil || s.scHandle == 0 {
		return
	}
	sink := &serviceChangedSink{server: s, handle: s.scHandle}
	if err := s.conn.SubscribeIndicate(s.scHandle, sink); err != nil {
		s.logger.WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%04X", s.scHandle),
			"error":  err,
		}).Warn("Could not watch upstream Service Changed")
		return
	}
	s.scSink = sink
	s.logger.Debug("Watching upstream Service Changed")
}
