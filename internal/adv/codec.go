package adv

import (
	"encoding/hex"
	"fmt"
)

// MalformedADError reports an AD structure that cannot be decoded.
type MalformedADError struct {
	Offset int
	Reason string
}

func (e *MalformedADError) Error() string {
	return fmt.Sprintf("malformed AD structure at octet %d: %s", e.Offset, e.Reason)
}

// Decode parses a sequence of length-prefixed AD structures. A zero
// length octet is the end-of-data sentinel and stops parsing. On a
// truncated or otherwise malformed tail Decode returns the fields parsed
// so far together with a *MalformedADError; callers in optional contexts
// keep the partial record, mandatory contexts treat the error as fatal.
func Decode(b []byte) (*Record, error) {
	r := NewRecord()
	off := 0
	for off < len(b) {
		l := int(b[off])
		if l == 0 {
			break
		}
		if off+1+l > len(b) {
			return r, &MalformedADError{Offset: off, Reason: fmt.Sprintf("structure length %d exceeds remaining %d octets", l, len(b)-off-1)}
		}
		t := b[off+1]
		payload := b[off+2 : off+1+l]
		if err := r.decodeField(t, payload, off); err != nil {
			return r, err
		}
		off += 1 + l
	}
	return r, nil
}

func (r *Record) decodeField(t uint8, payload []byte, off int) error {
	switch t {
	case TypeFlags:
		if len(payload) < 1 {
			return &MalformedADError{Offset: off, Reason: "empty flags payload"}
		}
		r.mergeField(t, Flags(payload[0]))
	case TypeSomeUUID16, TypeAllUUID16:
		list, err := decodeUUIDList(payload, 2, off)
		if err != nil {
			return err
		}
		r.mergeField(t, list)
	case TypeSomeUUID128, TypeAllUUID128:
		list, err := decodeUUIDList(payload, 16, off)
		if err != nil {
			return err
		}
		r.mergeField(t, list)
	case TypeShortName, TypeCompleteName:
		r.mergeField(t, Name(payload))
	case TypeTxPower:
		if len(payload) < 1 {
			return &MalformedADError{Offset: off, Reason: "empty tx power payload"}
		}
		r.mergeField(t, TxPower(int8(payload[0])))
	case TypeServiceData16:
		if len(payload) < 2 {
			return &MalformedADError{Offset: off, Reason: "service data shorter than its UUID"}
		}
		uuid := wireToUUIDText(payload[:2])
		r.ServiceData().Set(uuid, append([]byte(nil), payload[2:]...))
	case TypeManufacturerData:
		if len(payload) < 2 {
			return &MalformedADError{Offset: off, Reason: "manufacturer data shorter than its company ID"}
		}
		company := uint16(payload[0]) | uint16(payload[1])<<8
		r.Manufacturer().Set(company, append([]byte(nil), payload[2:]...))
	default:
		r.mergeField(t, Raw(payload))
	}
	return nil
}

func decodeUUIDList(payload []byte, width, off int) (UUIDList, error) {
	if len(payload)%width != 0 {
		return nil, &MalformedADError{Offset: off, Reason: fmt.Sprintf("UUID list length %d is not a multiple of %d", len(payload), width)}
	}
	list := make(UUIDList, 0, len(payload)/width)
	for i := 0; i < len(payload); i += width {
		list = append(list, wireToUUIDText(payload[i:i+width]))
	}
	return list, nil
}

// Encode serialises the record to repeated length-prefixed structures in
// field order. Mapping-valued fields emit one structure per inner entry,
// so Encode inverts Decode exactly for well-formed input.
func (r *Record) Encode() ([]byte, error) {
	var out []byte
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		b, err := encodeField(pair.Key, pair.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// encodeField serialises one field to its on-air structure(s).
func encodeField(t uint8, v any) ([]byte, error) {
	switch val := v.(type) {
	case Flags:
		return appendStructure(nil, t, []byte{byte(val)}), nil
	case UUIDList:
		var payload []byte
		for _, u := range val {
			w, err := uuidTextToWire(u)
			if err != nil {
				return nil, err
			}
			payload = append(payload, w...)
		}
		return appendStructure(nil, t, payload), nil
	case Name:
		return appendStructure(nil, t, []byte(val)), nil
	case TxPower:
		return appendStructure(nil, t, []byte{byte(int8(val))}), nil
	case ServiceDataMap:
		var out []byte
		for p := val.Oldest(); p != nil; p = p.Next() {
			w, err := uuidTextToWire(p.Key)
			if err != nil {
				return nil, err
			}
			out = appendStructure(out, TypeServiceData16, append(w, p.Value...))
		}
		return out, nil
	case ManufacturerMap:
		var out []byte
		for p := val.Oldest(); p != nil; p = p.Next() {
			payload := append([]byte{byte(p.Key), byte(p.Key >> 8)}, p.Value...)
			out = appendStructure(out, TypeManufacturerData, payload)
		}
		return out, nil
	case Raw:
		return appendStructure(nil, t, val), nil
	default:
		return nil, fmt.Errorf("AD type 0x%02X: unsupported value %T", t, v)
	}
}

// appendStructure appends one length-type-value structure.
func appendStructure(dst []byte, t uint8, payload []byte) []byte {
	dst = append(dst, byte(len(payload)+1), t)
	return append(dst, payload...)
}

// uuidTextToWire converts canonical UUID text to little-endian wire octets.
func uuidTextToWire(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("UUID %q: %w", s, err)
	}
	if len(b) != 2 && len(b) != 16 {
		return nil, fmt.Errorf("UUID %q: unsupported width %d", s, len(b))
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b, nil
}

// wireToUUIDText converts little-endian wire octets to canonical text.
func wireToUUIDText(b []byte) string {
	rev := make([]byte, len(b))
	for i, c := range b {
		rev[len(b)-1-i] = c
	}
	return hex.EncodeToString(rev)
}
