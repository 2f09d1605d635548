package tracker

import (
	"encoding/binary"
	"errors"
	"net"
)

// DecodePeersCompact parses the compact peer list format: each peer is a
// 6-byte group of a 4-byte IPv4 address followed by a 2-byte big-endian
// port.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("invalid compact peer list length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[i:i+4])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return addrs, nil
}
