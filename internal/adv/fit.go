package adv

import "fmt"

// TooLargeError reports a field that cannot be placed into a 31-octet PDU.
type TooLargeError struct {
	Type uint8
	Size int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("AD type 0x%02X needs %d octets, PDU capacity is %d", e.Type, e.Size, MaxPDULength)
}

// layoutOrder is the priority in which fields are placed: flags first,
// then the local name, 16-bit before 128-bit service UUID lists, Tx
// power, service data, manufacturer data. Unlisted types follow in
// record order.
var layoutOrder = []uint8{
	TypeFlags,
	TypeCompleteName,
	TypeShortName,
	TypeSomeUUID16,
	TypeAllUUID16,
	TypeSomeUUID128,
	TypeAllUUID128,
	TypeTxPower,
	TypeServiceData16,
	TypeManufacturerData,
}

// Fit lays the primary record out across an advertising PDU and a scan
// response PDU, both capped at 31 octets. Placement is greedy in layout
// order; once a field has spilled, every following field goes to the scan
// response so field order stays stable. An optional scanResp record is
// appended to the scan response after the spill-over. shortName, when
// non-empty, is advertised as a shortened local name in the advertising
// PDU while the complete name takes the scan response path.
//
// A complete name that does not fit the scan response is truncated and
// emitted in shortened form there. Any other field larger than a whole
// PDU is a *TooLargeError, as is scan response exhaustion.
func Fit(primary, scanResp *Record, shortName string) (advPDU, srPDU []byte, err error) {
	var adv, sr []byte
	spilled := false

	placeSR := func(t uint8, field []byte) error {
		if len(sr)+len(field) <= MaxPDULength {
			sr = append(sr, field...)
			return nil
		}
		if t == TypeCompleteName || t == TypeShortName {
			// Prefer a shortened name over failing the whole layout.
			room := MaxPDULength - len(sr) - 2
			if room > 0 {
				payload := field[2 : 2+room]
				sr = appendStructure(sr, TypeShortName, payload)
				return nil
			}
		}
		return &TooLargeError{Type: t, Size: len(field)}
	}

	place := func(t uint8, field []byte) error {
		if !spilled && len(adv)+len(field) <= MaxPDULength {
			adv = append(adv, field...)
			return nil
		}
		spilled = true
		return placeSR(t, field)
	}

	placeRecord := func(r *Record) error {
		if r == nil {
			return nil
		}
		for _, t := range orderedTypes(r) {
			v, _ := r.Field(t)
			if t == TypeCompleteName && shortName != "" {
				// The caller-supplied short form rides in the
				// advertising PDU; the complete name goes to the
				// scan response without spilling anything else.
				short, ferr := encodeField(TypeShortName, Name(shortName))
				if ferr != nil {
					return ferr
				}
				if perr := place(TypeShortName, short); perr != nil {
					return perr
				}
				full, ferr := encodeField(TypeCompleteName, v)
				if ferr != nil {
					return ferr
				}
				if perr := placeSR(t, full); perr != nil {
					return perr
				}
				continue
			}
			field, ferr := encodeField(t, v)
			if ferr != nil {
				return ferr
			}
			// Mapping fields encode to one structure per entry;
			// place each structure independently.
			for _, chunk := range splitStructures(field) {
				if perr := place(t, chunk); perr != nil {
					return perr
				}
			}
		}
		return nil
	}

	if err := placeRecord(primary); err != nil {
		return nil, nil, err
	}
	// Upstream scan response data always lands in the local scan response.
	spilled = true
	if err := placeRecord(scanResp); err != nil {
		return nil, nil, err
	}
	return adv, sr, nil
}

// orderedTypes returns the record's AD types sorted by layout priority,
// with unknown types trailing in record order.
func orderedTypes(r *Record) []uint8 {
	present := r.Types()
	seen := make(map[uint8]bool, len(present))
	var out []uint8
	for _, t := range layoutOrder {
		for _, p := range present {
			if p == t {
				out = append(out, t)
				seen[t] = true
			}
		}
	}
	for _, p := range present {
		if !seen[p] {
			out = append(out, p)
		}
	}
	return out
}

// splitStructures cuts a byte string of concatenated AD structures back
// into individual structures.
func splitStructures(b []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(b); {
		l := int(b[off])
		if l == 0 || off+1+l > len(b) {
			break
		}
		out = append(out, b[off:off+1+l])
		off += 1 + l
	}
	return out
}
