package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// Address families used in probe-reply payloads.
const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// MarshalAddr encodes an observed address as carried by a probe-reply:
// 1 byte family, 2 bytes port, 4 or 16 bytes IP.
func MarshalAddr(addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	var buf []byte
	if ip.Is4() {
		buf = make([]byte, 3+4)
		buf[0] = familyIPv4
		a := ip.As4()
		copy(buf[3:], a[:])
	} else {
		buf = make([]byte, 3+16)
		buf[0] = familyIPv6
		a := ip.As16()
		copy(buf[3:], a[:])
	}
	binary.BigEndian.PutUint16(buf[1:3], addr.Port())
	return buf
}

// UnmarshalAddr decodes a probe-reply payload.
func UnmarshalAddr(b []byte) (netip.AddrPort, error) {
	if len(b) < 3 {
		return netip.AddrPort{}, errors.New("udx packet: address too short")
	}
	port := binary.BigEndian.Uint16(b[1:3])
	switch b[0] {
	case familyIPv4:
		if len(b) != 3+4 {
			return netip.AddrPort{}, errors.Errorf("udx packet: bad IPv4 address length %d", len(b))
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[3:7])), port), nil
	case familyIPv6:
		if len(b) != 3+16 {
			return netip.AddrPort{}, errors.Errorf("udx packet: bad IPv6 address length %d", len(b))
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[3:19])), port), nil
	default:
		return netip.AddrPort{}, errors.Errorf("udx packet: unknown address family 0x%02x", b[0])
	}
}
