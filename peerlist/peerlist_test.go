package peerlist

import (
	"hash/crc32"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addr = netip.MustParseAddrPort("10.0.0.2:6881")

func TestReservation(t *testing.T) {
	l := New()

	pi := l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	assert.True(t, pi.Connected())

	// Second reservation while connected fails.
	assert.Nil(t, l.Connected(addr, ConnectKeepHandshakes))

	l.Disconnected(pi, 0)
	assert.False(t, pi.Connected())
	assert.Equal(t, 1, pi.FailedCounter())
}

func TestRecentFilter(t *testing.T) {
	l := New()

	pi := l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 0)

	// A fresh attempt is filtered, a retry is not.
	assert.Nil(t, l.Connected(addr, ConnectKeepHandshakes|ConnectFilterRecent))
	pi = l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 0)
}

func TestRecentFilterExpires(t *testing.T) {
	l := New()

	pi := l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 0)
	pi.lastDisconnected = time.Now().Add(-2 * recentWindow)

	assert.NotNil(t, l.Connected(addr, ConnectKeepHandshakes|ConnectFilterRecent))
}

func TestFailedCounterResetsOnTransfer(t *testing.T) {
	l := New()

	pi := l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 0)
	require.Equal(t, 1, pi.FailedCounter())

	pi = l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 1<<20)
	assert.Zero(t, pi.FailedCounter())
}

func TestBan(t *testing.T) {
	l := New()
	l.Ban(addr)
	assert.Nil(t, l.Connected(addr, ConnectKeepHandshakes))
}

func TestDisconnectedWithoutReservationPanics(t *testing.T) {
	l := New()
	pi := l.Connected(addr, ConnectKeepHandshakes)
	require.NotNil(t, pi)
	l.Disconnected(pi, 0)
	assert.Panics(t, func() { l.Disconnected(pi, 0) })
}

func addrPrio(a netip.AddrPort) uint32 {
	return crc32.ChecksumIEEE(a.Addr().AsSlice())
}

func TestPoolOrdering(t *testing.T) {
	p := NewPool(10, addrPrio)

	a := netip.MustParseAddrPort("10.0.0.1:1")
	b := netip.MustParseAddrPort("10.0.0.2:1")
	trusted := netip.MustParseAddrPort("10.0.0.3:1")

	require.True(t, p.Add(a, false))
	require.True(t, p.Add(b, false))
	require.True(t, p.Add(trusted, true))
	require.False(t, p.Add(a, false))

	// Trusted peers pop first regardless of hash priority.
	got, ok := p.PopMax()
	require.True(t, ok)
	assert.Equal(t, trusted, got)
	assert.Equal(t, 2, p.Len())
}

func TestPoolEviction(t *testing.T) {
	p := NewPool(2, addrPrio)
	for i := 1; i <= 5; i++ {
		p.Add(netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 1), false)
	}
	assert.Equal(t, 2, p.Len())
}
