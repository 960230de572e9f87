package mockserver

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/srg/blemitm/internal/ringchan"
)

// Direction labels one relayed attribute operation.
type Direction string

// Relay directions.
const (
	DirRead   Direction = "read"
	DirWrite  Direction = "write"
	DirNotify Direction = "notify"
)

// TrafficEvent is one observed transfer between the connected central
// and the upstream peripheral.
type TrafficEvent struct {
	Time      time.Time
	Direction Direction
	Handle    uint16
	UUID      string
	Payload   []byte
}

func (e TrafficEvent) String() string {
	return fmt.Sprintf("%-6s handle=0x%04X uuid=%s payload=%s",
		e.Direction, e.Handle, e.UUID, hex.EncodeToString(e.Payload))
}

// trafficBuffer bounds the observer backlog; a slow reader loses the
// oldest events, never the relay.
const trafficBuffer = 512

func newTrafficTap() *ringchan.RingChannel[TrafficEvent] {
	return ringchan.New[TrafficEvent](trafficBuffer)
}
