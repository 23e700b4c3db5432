package verdict

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNoAddress is returned when a connection has no usable IP address.
var ErrNoAddress = errors.New("connection has no IP address")

// NormalizeAddr reduces a connection address to the bare IP the cache is
// keyed by: the port is dropped and IPv4-mapped IPv6 addresses are unmapped.
func NormalizeAddr(a net.Addr) (netip.Addr, error) {
	if a == nil {
		return netip.Addr{}, ErrNoAddress
	}

	switch v := a.(type) {
	case *net.TCPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip.Unmap(), nil
		}
	case *net.UDPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip.Unmap(), nil
		}
	}

	return ParseAddr(a.String())
}

// ParseAddr accepts "ip", "ip:port" or "[ipv6]:port".
func ParseAddr(s string) (netip.Addr, error) {
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrNoAddress, s)
	}
	return ip.WithZone("").Unmap(), nil
}
