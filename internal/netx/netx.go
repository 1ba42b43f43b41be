// Package netx fills gaps in the net package around address handling.
package netx

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// AddrPort converts a net.Addr into a netip.AddrPort, unwrapping the concrete
// TCP/UDP address types before falling back to string parsing.
func AddrPort(addr net.Addr) (netip.AddrPort, error) {
	switch raw := addr.(type) {
	case *net.TCPAddr:
		return raw.AddrPort(), nil
	case *net.UDPAddr:
		return raw.AddrPort(), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, errors.Wrapf(err, "invalid address %q", addr.String())
		}
		return ap, nil
	}
}

// Masked zeroes the low bits of an address so nearby addresses in the same
// block collide. v4 addresses are masked to /24, v6 to /56.
func Masked(ip netip.Addr) netip.Addr {
	bits := 24
	if ip.Is6() && !ip.Is4In6() {
		bits = 56
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return ip
	}
	return p.Addr()
}
