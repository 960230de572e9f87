// Package profile models the GATT attribute tree mirrored from an
// upstream peripheral: services owning characteristics owning
// descriptors, each annotated with its SIG name where one is assigned.
// The tree is built once per session — from live discovery or from a
// stored snapshot — and its structure is fixed afterwards; only the
// cached characteristic values are updated as traffic is relayed.
package profile

import (
	"fmt"
	"strings"

	"github.com/srg/blemitm/internal/bledb"
)

// Properties is the characteristic property bitfield, matching the
// declaration octet of the GATT characteristic declaration.
type Properties uint8

// Characteristic property flags.
const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteNR
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

var propNames = []struct {
	flag Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNR, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "authenticated-signed-writes"},
	{PropExtended, "extended-properties"},
}

// Names returns the set property names in declaration order.
func (p Properties) Names() []string {
	var out []string
	for _, pn := range propNames {
		if p&pn.flag != 0 {
			out = append(out, pn.name)
		}
	}
	return out
}

func (p Properties) String() string {
	return strings.Join(p.Names(), "|")
}

// ParseProperties builds a bitfield from property names. Unknown names
// are an error so stored snapshots fail loudly rather than silently
// stripping capabilities.
func ParseProperties(names []string) (Properties, error) {
	var p Properties
	for _, n := range names {
		found := false
		for _, pn := range propNames {
			if pn.name == n {
				p |= pn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", n)
		}
	}
	return p, nil
}

// Descriptor is one characteristic descriptor node.
type Descriptor struct {
	UUID  string
	Name  string
	Value []byte
}

// Characteristic is one characteristic node. SourceHandle is the value
// handle the upstream peripheral uses for it; Handle is the position the
// local database assigns.
type Characteristic struct {
	UUID         string
	Name         string
	Properties   Properties
	SourceHandle uint16
	Handle       uint16
	Value        []byte
	MaxLength    int // 0 means no declared length constraint
	Descriptors  []*Descriptor
}

// Readable reports whether the characteristic declares the read property.
func (c *Characteristic) Readable() bool {
	return c.Properties&PropRead != 0
}

// Writable reports whether the characteristic declares any write property.
func (c *Characteristic) Writable() bool {
	return c.Properties&(PropWrite|PropWriteNR) != 0
}

// Service is one service node with its characteristics in upstream order.
type Service struct {
	UUID            string
	Name            string
	Characteristics []*Characteristic
}

// Tree is the root of the attribute model.
type Tree struct {
	Services []*Service
}

// Well-known service short UUIDs the local stack provides itself.
const (
	gapServiceUUID  = "1800"
	gattServiceUUID = "1801"

	// ServiceChangedUUID is the Service Changed characteristic.
	ServiceChangedUUID = "2a05"
)

// handleBase is the first handle assigned to the exposed database.
const handleBase uint16 = 0x0010

// NewService creates a service node with its SIG name resolved.
func NewService(uuid string) *Service {
	u := bledb.NormalizeUUID(uuid)
	return &Service{UUID: u, Name: bledb.LookupService(u)}
}

// NewCharacteristic creates a characteristic node with its SIG name resolved.
func NewCharacteristic(uuid string, props Properties, sourceHandle uint16) *Characteristic {
	u := bledb.NormalizeUUID(uuid)
	return &Characteristic{
		UUID:         u,
		Name:         bledb.LookupCharacteristic(u),
		Properties:   props,
		SourceHandle: sourceHandle,
	}
}

// NewDescriptor creates a descriptor node with its SIG name resolved.
func NewDescriptor(uuid string, value []byte) *Descriptor {
	u := bledb.NormalizeUUID(uuid)
	return &Descriptor{UUID: u, Name: bledb.LookupDescriptor(u), Value: value}
}

// AddService appends a service and returns it for chaining.
func (t *Tree) AddService(s *Service) *Service {
	t.Services = append(t.Services, s)
	return s
}

// AddCharacteristic appends a characteristic and returns it for chaining.
func (s *Service) AddCharacteristic(c *Characteristic) *Characteristic {
	s.Characteristics = append(s.Characteristics, c)
	return c
}

// AssignHandles numbers every characteristic in attribute-tree order
// starting at the local base.
func (t *Tree) AssignHandles() {
	h := handleBase
	for _, svc := range t.Services {
		for _, c := range svc.Characteristics {
			c.Handle = h
			h++
		}
	}
}

// FilterLocal returns a new tree without the Generic Access and Generic
// Attribute services: the local stack registers its own, and a duplicate
// pair fails database registration. The new tree shares its service and
// characteristic nodes with the original; local handles are reassigned in
// the filtered order, so the shared nodes carry the new handles in both
// trees.
func (t *Tree) FilterLocal() *Tree {
	out := &Tree{}
	for _, svc := range t.Services {
		if svc.UUID == gapServiceUUID || svc.UUID == gattServiceUUID {
			continue
		}
		out.Services = append(out.Services, svc)
	}
	out.AssignHandles()
	return out
}

// FindService returns the service with the given UUID.
func (t *Tree) FindService(uuid string) (*Service, bool) {
	u := bledb.NormalizeUUID(uuid)
	for _, svc := range t.Services {
		if svc.UUID == u {
			return svc, true
		}
	}
	return nil, false
}

// FindCharacteristic returns the first characteristic with the given
// UUID anywhere in the tree.
func (t *Tree) FindCharacteristic(uuid string) (*Service, *Characteristic, bool) {
	u := bledb.NormalizeUUID(uuid)
	for _, svc := range t.Services {
		for _, c := range svc.Characteristics {
			if c.UUID == u {
				return svc, c, true
			}
		}
	}
	return nil, nil, false
}

// FindHandle resolves a (service, characteristic) UUID pair to the
// upstream handle used to address the characteristic.
func (t *Tree) FindHandle(serviceUUID, charUUID string) (uint16, error) {
	svc, ok := t.FindService(serviceUUID)
	if !ok {
		return 0, fmt.Errorf("service %q not found", serviceUUID)
	}
	cu := bledb.NormalizeUUID(charUUID)
	for _, c := range svc.Characteristics {
		if c.UUID == cu {
			return c.SourceHandle, nil
		}
	}
	return 0, fmt.Errorf("characteristic %q not found in service %q", charUUID, serviceUUID)
}

// CharacteristicBySourceHandle returns the characteristic the upstream
// peripheral addresses with the given handle.
func (t *Tree) CharacteristicBySourceHandle(h uint16) (*Characteristic, bool) {
	for _, svc := range t.Services {
		for _, c := range svc.Characteristics {
			if c.SourceHandle == h {
				return c, true
			}
		}
	}
	return nil, false
}

// Characteristics returns every characteristic in attribute-tree order.
func (t *Tree) Characteristics() []*Characteristic {
	var out []*Characteristic
	for _, svc := range t.Services {
		out = append(out, svc.Characteristics...)
	}
	return out
}

// String renders the tree the way the CLI prints the cloned database.
func (t *Tree) String() string {
	var b strings.Builder
	for _, svc := range t.Services {
		fmt.Fprintf(&b, "service %s", svc.UUID)
		if svc.Name != "" {
			fmt.Fprintf(&b, " (%s)", svc.Name)
		}
		b.WriteByte('\n')
		for _, c := range svc.Characteristics {
			fmt.Fprintf(&b, "  char %s", c.UUID)
			if c.Name != "" {
				fmt.Fprintf(&b, " (%s)", c.Name)
			}
			fmt.Fprintf(&b, " handle=0x%04X props=%s\n", c.SourceHandle, c.Properties)
			for _, d := range c.Descriptors {
				fmt.Fprintf(&b, "    desc %s", d.UUID)
				if d.Name != "" {
					fmt.Fprintf(&b, " (%s)", d.Name)
				}
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}
