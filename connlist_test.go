package handshake

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btkit/handshake/bitfield"
	"github.com/btkit/handshake/peerlist"
)

func reservedPeer(t *testing.T, l *peerlist.List, port uint16) *peerlist.PeerInfo {
	t.Helper()
	pi := l.Connected(testAddr(port), peerlist.ConnectKeepHandshakes)
	require.NotNil(t, pi)
	return pi
}

func testPipe(t *testing.T) net.Conn {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local
}

func TestConnListInsertAndRemove(t *testing.T) {
	pl := peerlist.New()
	cl := NewConnList(0, func() bool { return false })
	pi := reservedPeer(t, pl, 2001)

	pc := cl.Insert(pi, testPipe(t), nil, nil, 0, PeerExtensionBits{})
	require.NotNil(t, pc)
	assert.Equal(t, 1, cl.Len())

	// Same address again is a duplicate.
	assert.False(t, cl.WantConnection(pi, nil))
	assert.Nil(t, cl.Insert(pi, testPipe(t), nil, nil, 0, PeerExtensionBits{}))

	cl.remove(pc)
	assert.Equal(t, 0, cl.Len())
	assert.True(t, cl.WantConnection(pi, nil))
}

func TestConnListCap(t *testing.T) {
	pl := peerlist.New()
	cl := NewConnList(1, func() bool { return false })

	require.NotNil(t, cl.Insert(reservedPeer(t, pl, 2002), testPipe(t), nil, nil, 0, PeerExtensionBits{}))
	assert.Nil(t, cl.Insert(reservedPeer(t, pl, 2003), testPipe(t), nil, nil, 0, PeerExtensionBits{}))
}

func TestConnListSeedToSeed(t *testing.T) {
	pl := peerlist.New()
	done := false
	cl := NewConnList(0, func() bool { return done })
	pi := reservedPeer(t, pl, 2004)

	complete := newCompleteBitfield(8)
	assert.True(t, cl.WantConnection(pi, complete))
	done = true
	assert.False(t, cl.WantConnection(pi, complete))
	// A leeching peer is still welcome.
	partial := bitfield.New(8)
	partial.Set(0)
	assert.True(t, cl.WantConnection(pi, partial))
	assert.True(t, cl.WantConnection(pi, nil))
}

func TestConnListCloseAll(t *testing.T) {
	pl := peerlist.New()
	cl := NewConnList(0, func() bool { return false })

	for port := uint16(2005); port < 2008; port++ {
		require.NotNil(t, cl.Insert(reservedPeer(t, pl, port), testPipe(t), nil, nil, 0, PeerExtensionBits{}))
	}
	var seen int
	cl.Each(func(pc *PeerConn) { seen++ })
	require.Equal(t, 3, seen)
	cl.CloseAll()
	cl.Each(func(pc *PeerConn) {
		select {
		case <-pc.Closed():
		default:
			t.Error("connection not closed")
		}
	})
}
