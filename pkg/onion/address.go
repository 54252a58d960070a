package onion

import (
	"bytes"
	"fmt"
	"net"
)

// NodeAddress is a routing_info-compatible hop address: an IPv6-form
// 16-byte address (IPv4 addresses use the ::ffff:0:0/96 mapped form)
// plus a port.
type NodeAddress struct {
	IP   [16]byte
	Port uint16
}

// v4InV6Prefix is the 12-byte ::ffff:0:0/96 prefix used to represent an
// IPv4 address in the 16-byte routing_info address field.
var v4InV6Prefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// NewNodeAddress builds a NodeAddress from a host:port style address
// string, mapping IPv4 addresses into the ::ffff:0:0/96 form.
func NewNodeAddress(hostPort string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("parse address %q: %w", hostPort, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NodeAddress{}, fmt.Errorf("parse address %q: invalid host", hostPort)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("parse address %q: invalid port", hostPort)
	}

	var addr NodeAddress
	if v4 := ip.To4(); v4 != nil {
		copy(addr.IP[0:12], v4InV6Prefix[:])
		copy(addr.IP[12:16], v4)
	} else {
		copy(addr.IP[:], ip.To16())
	}
	addr.Port = uint16(port)
	return addr, nil
}

// String renders the address back to host:port form.
func (a NodeAddress) String() string {
	if bytes.Equal(a.IP[0:12], v4InV6Prefix[:]) {
		ip := net.IP(a.IP[12:16])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	}
	ip := net.IP(a.IP[:])
	return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
}
