package connections

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBloom(t *testing.T) {
	b := NewBloomBanIP(time.Second)

	addr := netip.MustParseAddrPort("185.90.60.219:1")
	require.NoError(t, b.Blocked(addr))
	b.Inhibit(addr, errors.New("cuz"))
	require.Error(t, b.Blocked(addr))

	// Bans cover the surrounding block.
	require.Error(t, b.Blocked(netip.MustParseAddrPort("185.90.60.7:1")))
}

func TestAutoFirewall(t *testing.T) {
	fw := AutoFirewall()

	require.NoError(t, fw.Blocked(netip.MustParseAddrPort("185.90.60.219:1")))
	require.Error(t, fw.Blocked(netip.MustParseAddrPort("185.90.60.219:0")))
}

func TestBanFamilies(t *testing.T) {
	v4 := netip.MustParseAddrPort("10.0.0.1:6881")
	v6 := netip.MustParseAddrPort("[2001:db8::1]:6881")

	require.Error(t, BanIPv4{}.Blocked(v4))
	require.NoError(t, BanIPv4{}.Blocked(v6))
	require.Error(t, BanIPv6{}.Blocked(v6))
	require.NoError(t, BanIPv6{}.Blocked(v4))
}
