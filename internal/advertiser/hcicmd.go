package advertiser

import (
	"fmt"
	"net"
)

// leSetAdvSetRandomAddress is the HCI LE Set Advertising Set Random
// Address command ({OGF 0x08, OCF 0x0035}). The controller otherwise
// randomises the advertising address every cycle; writing the adapter's
// own address keeps the advertised identity stable.
type leSetAdvSetRandomAddress struct {
	AdvertisingHandle uint8
	RandomAddress     [6]byte
}

func (c *leSetAdvSetRandomAddress) OpCode() int { return 0x08<<10 | 0x0035 }

func (c *leSetAdvSetRandomAddress) Len() int { return 7 }

func (c *leSetAdvSetRandomAddress) Marshal(b []byte) error {
	if len(b) < c.Len() {
		return fmt.Errorf("buffer too small for command: %d < %d", len(b), c.Len())
	}
	b[0] = c.AdvertisingHandle
	copy(b[1:7], c.RandomAddress[:])
	return nil
}

// macToWire parses a textual MAC and returns it in the little-endian
// order HCI commands carry addresses in.
func macToWire(mac string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return out, fmt.Errorf("bad MAC %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("bad MAC %q: not a 48-bit address", mac)
	}
	for i := 0; i < 6; i++ {
		out[i] = hw[5-i]
	}
	return out, nil
}
