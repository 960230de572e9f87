// Package connector implements the upstream side of the proxy: the BLE
// central that connects to the real peripheral, mirrors its attribute
// database, performs reads and writes on its behalf, and pumps its
// notifications back to subscribed sinks.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/profile"
)

// AddrType is a BLE device address type.
type AddrType string

// Address types tried while connecting.
const (
	AddrPublic AddrType = "public"
	AddrRandom AddrType = "random"
)

// Other returns the address type not selected.
func (t AddrType) Other() AddrType {
	if t == AddrRandom {
		return AddrPublic
	}
	return AddrRandom
}

// ParseAddrType validates an address type string, defaulting to public.
func ParseAddrType(s string) (AddrType, error) {
	switch s {
	case "", string(AddrPublic):
		return AddrPublic, nil
	case string(AddrRandom):
		return AddrRandom, nil
	}
	return "", fmt.Errorf("unknown address type %q (want public or random)", s)
}

// Connection-level sentinel errors.
var (
	// ErrNotConnected is returned by operations that need a live
	// upstream connection.
	ErrNotConnected = errors.New("not connected to upstream device")

	// ErrConnectFailed is returned when every address type and retry
	// has been exhausted.
	ErrConnectFailed = errors.New("upstream connect failed")

	// ErrUpstreamTimeout is returned when the upstream device does not
	// answer an attribute operation in time. The operation may be
	// retried by the caller.
	ErrUpstreamTimeout = errors.New("upstream operation timed out")

	// ErrUpstreamLost is fatal to the session: the upstream connection
	// broke and relaying cannot continue.
	ErrUpstreamLost = errors.New("upstream connection lost")
)

// Sink receives the payload of one upstream notification or indication.
// Implementations must be safe to invoke concurrently with other pump
// events, but a single sink is never invoked concurrently with itself.
type Sink interface {
	Write(data []byte) error
}

// Connector is the capability set the proxy needs from the upstream
// central. One concrete backend implements it per build; the GATT server
// side depends only on this interface.
type Connector interface {
	Connect(ctx context.Context, address string, hint AddrType) error
	Disconnect() error
	IsConnected() bool

	// AddressType reports the address type the peripheral accepted.
	AddressType() AddrType

	// DiscoverTree returns the upstream attribute tree in database order.
	DiscoverTree() (*profile.Tree, error)

	Read(handle uint16) ([]byte, error)
	Write(handle uint16, data []byte) error

	SubscribeNotify(handle uint16, s Sink) error
	SubscribeIndicate(handle uint16, s Sink) error
	Unsubscribe(handle uint16, s Sink) error

	// Poll waits at most maxWait for pending upstream events and
	// dispatches one batch to the registered sinks.
	Poll(maxWait time.Duration) error

	// ScanFor observes the peripheral's advertising until the timeout
	// elapses and returns its advertising data and scan response data
	// as separate records.
	ScanFor(ctx context.Context, mac string, timeout time.Duration) (advData, scanResp *adv.Record, err error)
}

// Options tunes the connector backend.
type Options struct {
	ConnectTimeout   time.Duration `default:"5s"`
	ConnectAttempts  int           `default:"2"`
	OperationTimeout time.Duration `default:"5s"`
	ScanTimeout      time.Duration `default:"10s"`
	EventBuffer      int           `default:"256"`
}

// DefaultOptions returns the option set with defaults applied.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Table is the subscription table: upstream handle → set of sinks.
// Insertion and removal are idempotent on (handle, sink) pairs and
// iteration order is unspecified.
type Table struct {
	m *hashmap.Map[uint16, *sinkSet]
}

type sinkSet struct {
	mu    sync.Mutex
	sinks map[Sink]struct{}
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{m: hashmap.New[uint16, *sinkSet]()}
}

// Add registers a sink for a handle. Reports whether the pair was new.
func (t *Table) Add(handle uint16, s Sink) bool {
	set, _ := t.m.GetOrInsert(handle, &sinkSet{sinks: make(map[Sink]struct{})})
	set.mu.Lock()
	defer set.mu.Unlock()
	if _, exists := set.sinks[s]; exists {
		return false
	}
	set.sinks[s] = struct{}{}
	return true
}

// Remove drops a sink registration. Removing a pair that was never added
// is a no-op. Reports whether the handle has no sinks left.
func (t *Table) Remove(handle uint16, s Sink) (empty bool) {
	set, ok := t.m.Get(handle)
	if !ok {
		return true
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	delete(set.sinks, s)
	return len(set.sinks) == 0
}

// Sinks returns a snapshot of the sinks registered for a handle.
func (t *Table) Sinks(handle uint16) []Sink {
	set, ok := t.m.Get(handle)
	if !ok {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Sink, 0, len(set.sinks))
	for s := range set.sinks {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sinks registered for a handle.
func (t *Table) Count(handle uint16) int {
	set, ok := t.m.Get(handle)
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.sinks)
}

// Clear empties the table.
func (t *Table) Clear() {
	t.m.Range(func(handle uint16, _ *sinkSet) bool {
		t.m.Del(handle)
		return true
	})
}
