// Package adv implements encoding, decoding, accumulation, and PDU
// fitting of BLE Advertising Data structures (Core Spec Vol 3 Part C §11).
//
// A Record maps AD structure types to typed values and preserves the
// insertion order of fields, so a decoded record re-encodes to the exact
// byte string it was parsed from. UUIDs are held in canonical text form
// (lowercase hex, big-endian, no dashes) and converted to little-endian
// only on the wire.
package adv

import (
	"encoding/hex"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AD structure types handled with a typed value shape. Every other type
// is preserved as an opaque payload.
const (
	TypeFlags            uint8 = 0x01
	TypeSomeUUID16       uint8 = 0x02
	TypeAllUUID16        uint8 = 0x03
	TypeSomeUUID128      uint8 = 0x06
	TypeAllUUID128       uint8 = 0x07
	TypeShortName        uint8 = 0x08
	TypeCompleteName     uint8 = 0x09
	TypeTxPower          uint8 = 0x0A
	TypeServiceData16    uint8 = 0x16
	TypeManufacturerData uint8 = 0xFF
)

// MaxPDULength is the capacity of a legacy advertising or scan response PDU.
const MaxPDULength = 31

// Flags is the 0x01 bitfield payload.
type Flags byte

// Advertising flag bits.
const (
	FlagLimitedDiscoverable Flags = 0x01
	FlagGeneralDiscoverable Flags = 0x02
	FlagLEOnly              Flags = 0x04
)

// UUIDList is an ordered sequence of service UUIDs in canonical text form.
// All entries of one list share the same width (16 or 128 bit).
type UUIDList []string

// Name is a local name payload (0x08 or 0x09 depending on the field key).
type Name string

// TxPower is the signed Tx Power Level payload.
type TxPower int8

// ServiceDataMap accumulates 0x16 structures: 16-bit UUID text → payload.
type ServiceDataMap = *orderedmap.OrderedMap[string, []byte]

// ManufacturerMap accumulates 0xFF structures: company ID → payload.
type ManufacturerMap = *orderedmap.OrderedMap[uint16, []byte]

// Raw is the payload of an AD type the codec has no model for. It is
// round-tripped unchanged.
type Raw []byte

// Record is an insertion-ordered mapping from AD type to typed value.
type Record struct {
	fields *orderedmap.OrderedMap[uint8, any]
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{fields: orderedmap.New[uint8, any]()}
}

// Len returns the number of AD types present.
func (r *Record) Len() int {
	return r.fields.Len()
}

// Types returns the AD types present, in field order.
func (r *Record) Types() []uint8 {
	out := make([]uint8, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Field returns the typed value stored under an AD type.
func (r *Record) Field(t uint8) (any, bool) {
	return r.fields.Get(t)
}

// Flags returns the 0x01 bitfield if present.
func (r *Record) Flags() (Flags, bool) {
	v, ok := r.fields.Get(TypeFlags)
	if !ok {
		return 0, false
	}
	return v.(Flags), true
}

// SetFlags stores the 0x01 bitfield.
func (r *Record) SetFlags(f Flags) {
	r.fields.Set(TypeFlags, f)
}

// LocalName returns the local name, preferring the complete form, and
// whether the stored form was complete.
func (r *Record) LocalName() (name string, complete bool, ok bool) {
	if v, found := r.fields.Get(TypeCompleteName); found {
		return string(v.(Name)), true, true
	}
	if v, found := r.fields.Get(TypeShortName); found {
		return string(v.(Name)), false, true
	}
	return "", false, false
}

// SetLocalName stores a complete local name, displacing any shortened one.
func (r *Record) SetLocalName(name string) {
	r.fields.Delete(TypeShortName)
	r.fields.Set(TypeCompleteName, Name(name))
}

// SetShortName stores a shortened local name, displacing any complete one.
func (r *Record) SetShortName(name string) {
	r.fields.Delete(TypeCompleteName)
	r.fields.Set(TypeShortName, Name(name))
}

// ServiceUUIDs returns every advertised service UUID, 16-bit lists first,
// preserving list order.
func (r *Record) ServiceUUIDs() []string {
	var out []string
	for _, t := range []uint8{TypeSomeUUID16, TypeAllUUID16, TypeSomeUUID128, TypeAllUUID128} {
		if v, ok := r.fields.Get(t); ok {
			out = append(out, v.(UUIDList)...)
		}
	}
	return out
}

// SetServiceUUIDs replaces the advertised service UUID lists, partitioning
// the input into complete 16-bit and 128-bit lists by UUID width.
func (r *Record) SetServiceUUIDs(uuids []string) error {
	var short, long UUIDList
	for _, u := range uuids {
		c, err := canonicalUUID(u)
		if err != nil {
			return err
		}
		if len(c) == 4 {
			short = append(short, c)
		} else {
			long = append(long, c)
		}
	}
	r.fields.Delete(TypeSomeUUID16)
	r.fields.Delete(TypeSomeUUID128)
	r.fields.Delete(TypeAllUUID16)
	r.fields.Delete(TypeAllUUID128)
	if len(short) > 0 {
		r.fields.Set(TypeAllUUID16, short)
	}
	if len(long) > 0 {
		r.fields.Set(TypeAllUUID128, long)
	}
	return nil
}

// SetTxPower stores the Tx Power Level.
func (r *Record) SetTxPower(p int8) {
	r.fields.Set(TypeTxPower, TxPower(p))
}

// ServiceData returns the accumulated 0x16 mapping, creating it on demand.
func (r *Record) ServiceData() ServiceDataMap {
	if v, ok := r.fields.Get(TypeServiceData16); ok {
		return v.(ServiceDataMap)
	}
	m := orderedmap.New[string, []byte]()
	r.fields.Set(TypeServiceData16, m)
	return m
}

// AddServiceData stores service data under a 16-bit UUID, replacing any
// previous payload for that UUID.
func (r *Record) AddServiceData(uuid string, data []byte) error {
	c, err := canonicalUUID(uuid)
	if err != nil {
		return err
	}
	if len(c) != 4 {
		return fmt.Errorf("service data UUID %q is not 16-bit", uuid)
	}
	r.ServiceData().Set(c, append([]byte(nil), data...))
	return nil
}

// Manufacturer returns the accumulated 0xFF mapping, creating it on demand.
func (r *Record) Manufacturer() ManufacturerMap {
	if v, ok := r.fields.Get(TypeManufacturerData); ok {
		return v.(ManufacturerMap)
	}
	m := orderedmap.New[uint16, []byte]()
	r.fields.Set(TypeManufacturerData, m)
	return m
}

// AddManufacturer stores manufacturer specific data under a company ID.
func (r *Record) AddManufacturer(company uint16, data []byte) {
	r.Manufacturer().Set(company, append([]byte(nil), data...))
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := NewRecord()
	out.Merge(r)
	return out
}

// Merge folds another record into this one using the accumulation rules a
// scanner applies across sightings: flags, names, Tx power, and opaque
// payloads replace; UUID lists append without duplicates; service data and
// manufacturer mappings accumulate with last-writer-wins on the inner key.
func (r *Record) Merge(o *Record) {
	if o == nil {
		return
	}
	for pair := o.fields.Oldest(); pair != nil; pair = pair.Next() {
		r.mergeField(pair.Key, pair.Value)
	}
}

func (r *Record) mergeField(t uint8, v any) {
	switch val := v.(type) {
	case UUIDList:
		existing, _ := r.fields.Get(t)
		cur, _ := existing.(UUIDList)
		for _, u := range val {
			if !containsUUID(cur, u) {
				cur = append(cur, u)
			}
		}
		r.fields.Set(t, cur)
	case Name:
		// A name field replaces whichever form is already stored.
		if t == TypeCompleteName {
			r.SetLocalName(string(val))
		} else {
			r.SetShortName(string(val))
		}
	case ServiceDataMap:
		dst := r.ServiceData()
		for p := val.Oldest(); p != nil; p = p.Next() {
			dst.Set(p.Key, append([]byte(nil), p.Value...))
		}
	case ManufacturerMap:
		dst := r.Manufacturer()
		for p := val.Oldest(); p != nil; p = p.Next() {
			dst.Set(p.Key, append([]byte(nil), p.Value...))
		}
	case Raw:
		r.fields.Set(t, Raw(append([]byte(nil), val...)))
	default:
		r.fields.Set(t, v)
	}
}

// Diff returns the fields of o that are absent from or different in r.
// A scanner uses this to separate scan response data from the initial
// advertising PDU.
func (r *Record) Diff(o *Record) *Record {
	out := NewRecord()
	for pair := o.fields.Oldest(); pair != nil; pair = pair.Next() {
		cur, ok := r.fields.Get(pair.Key)
		if !ok || !fieldEqual(cur, pair.Value) {
			out.mergeField(pair.Key, pair.Value)
		}
	}
	return out
}

func fieldEqual(a, b any) bool {
	ea, errA := encodeField(0, a)
	eb, errB := encodeField(0, b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ea) == string(eb)
}

func containsUUID(list UUIDList, u string) bool {
	for _, x := range list {
		if x == u {
			return true
		}
	}
	return false
}

// canonicalUUID normalizes a UUID string to lowercase hex text without
// dashes and validates its width (16 or 128 bit).
func canonicalUUID(u string) (string, error) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(u, "0x"), "0X"), "-", ""))
	if len(s) != 4 && len(s) != 32 {
		return "", fmt.Errorf("UUID %q: unsupported length %d", u, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("UUID %q: %w", u, err)
	}
	return s, nil
}
