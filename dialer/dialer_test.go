package dialer

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btkit/handshake/internal/netx"
)

func TestConnectSocket(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
	}()

	addr, err := netx.AddrPort(l.Addr())
	require.NoError(t, err)

	b := Bind{SendBufferSize: 1 << 16, ReceiveBufferSize: 1 << 16}
	conn, err := b.ConnectSocket(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	// Setup runs once inside ConnectSocket and again here; the second run
	// must not fail.
	require.NoError(t, SetupConn(conn, 1<<16, 1<<16))
}

func TestConnectRefused(t *testing.T) {
	b := Bind{}
	_, err := b.ConnectSocket(context.Background(), netip.MustParseAddrPort("127.0.0.1:1"))
	require.Error(t, err)
}

func TestSetupConnNonTCP(t *testing.T) {
	a, z := net.Pipe()
	defer a.Close()
	defer z.Close()
	require.NoError(t, SetupConn(a, 1024, 1024))
}
