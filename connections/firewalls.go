package connections

import (
	"net/netip"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"github.com/btkit/handshake/internal/netx"
)

// Firewall used to prevent connections.
type Firewall interface {
	Blocked(addr netip.AddrPort) error
}

// FirewallStateful used when the firewall needs to be updated dynamically.
type FirewallStateful interface {
	Firewall
	Inhibit(addr netip.AddrPort, cause error)
}

// NewBloomBanIP bans an IP address by adding it to a bloom filter. The filter
// is cleared after d elapses, so bans expire in bulk.
func NewBloomBanIP(d time.Duration) *BloomBanIP {
	return (&BloomBanIP{
		duration: d,
		banned:   bloom.NewWithEstimates(10000, 0.5),
	}).reset()
}

// BloomBanIP is stateful and tracks banned address blocks using a bloom
// filter.
type BloomBanIP struct {
	duration    time.Duration
	banned      *bloom.BloomFilter
	bannedReset time.Time
}

func (t *BloomBanIP) reset() *BloomBanIP {
	t.banned.ClearAll()
	t.bannedReset = time.Now().Add(t.duration)

	return t
}

func (t *BloomBanIP) Blocked(addr netip.AddrPort) error {
	if t.bannedReset.Before(time.Now()) {
		t.reset()
	}

	masked := netx.Masked(addr.Addr())
	if t.banned.Test(masked.AsSlice()) {
		return errors.Errorf("ip %s is banned", addr.Addr())
	}

	return nil
}

// Inhibit bans the address block containing addr.
func (t *BloomBanIP) Inhibit(addr netip.AddrPort, cause error) {
	if t.bannedReset.Before(time.Now()) {
		t.reset()
	}

	t.banned.Add(netx.Masked(addr.Addr()).AsSlice())
}

// BanIPv6 bans IPv6 addresses.
type BanIPv6 struct{}

func (BanIPv6) Blocked(addr netip.AddrPort) error {
	if ip := addr.Addr(); ip.Is6() && !ip.Is4In6() {
		return errors.New("ipv6 disabled")
	}

	return nil
}

// BanIPv4 bans IPv4 addresses.
type BanIPv4 struct{}

func (BanIPv4) Blocked(addr netip.AddrPort) error {
	if ip := addr.Addr(); ip.Is4() || ip.Is4In6() {
		return errors.New("ipv4 disabled")
	}

	return nil
}

// BanInvalidPort blocks connections with invalid port values.
type BanInvalidPort struct{}

func (BanInvalidPort) Blocked(addr netip.AddrPort) error {
	if addr.Port() == 0 {
		return errors.New("invalid port")
	}

	return nil
}

type composedfirewall struct {
	firewalls []Firewall
}

func (t composedfirewall) Blocked(addr netip.AddrPort) error {
	for _, fwall := range t.firewalls {
		if err := fwall.Blocked(addr); err != nil {
			return err
		}
	}

	return nil
}

func (t composedfirewall) Inhibit(addr netip.AddrPort, cause error) {
	for _, fwall := range t.firewalls {
		if fwall, ok := fwall.(FirewallStateful); ok {
			fwall.Inhibit(addr, cause)
		}
	}
}

// NewFirewall composes multiple firewalls into a single firewall.
func NewFirewall(rules ...Firewall) FirewallStateful {
	return composedfirewall{firewalls: rules}
}

// AutoFirewall reasonable default firewall settings.
func AutoFirewall() FirewallStateful {
	return NewFirewall(
		BanInvalidPort{},
		NewBloomBanIP(10*time.Minute),
	)
}
