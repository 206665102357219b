package detector

import "encoding/binary"

// minIPv4HeaderLen is the smallest legal IPv4 header: enough to read
// the source-address field at offset 12.
const minIPv4HeaderLen = 20

// ExtractSourceAddr pulls the IPv4 source address out of a raw packet
// buffer. The acquisition layer has already filtered for "TCP SYN
// without ACK" (§4.F); this only validates that the buffer is long
// enough to contain the address field, per the spec's "additionally
// validates packet length sufficient to read a source address."
func ExtractSourceAddr(raw []byte) (uint32, bool) {
	if len(raw) < minIPv4HeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw[12:16]), true
}
