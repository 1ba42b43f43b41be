// Package dialer provides the bind manager: outbound socket creation with
// optional local address binding and SOCKS proxy routing.
package dialer

import (
	"context"
	"net"
	"net/netip"
	"net/url"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// Dialers have the network locked in.
type T interface {
	Dial(_ context.Context, addr string) (net.Conn, error)
	DialerNetwork() string
}

// An interface to ease wrapping dialers that explicitly include a network
// parameter.
type WithContext interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Used by wrappers of standard library network types.
var Default = &net.Dialer{}

// Adapts a WithContext to the Dial interface in this package.
type WithNetwork struct {
	Network string
	Dialer  WithContext
}

func (me WithNetwork) DialerNetwork() string {
	return me.Network
}

func (me WithNetwork) Dial(ctx context.Context, addr string) (_ net.Conn, err error) {
	return me.Dialer.DialContext(ctx, me.Network, addr)
}

// Bind creates outbound peer sockets. It binds to LocalAddr when set and
// routes through ProxyURL when set. Sockets come back with buffer tuning
// already applied; SetupConn tolerates being run again on them.
type Bind struct {
	Network   string // defaults to "tcp"
	LocalAddr *net.TCPAddr
	// SOCKS proxy in URL form, e.g. "socks5://127.0.0.1:9050". Distinct from
	// the handshake manager's proxy routing: this tunnels every dial, while
	// the manager redirects the connect target.
	ProxyURL string

	SendBufferSize    int
	ReceiveBufferSize int
}

func (b *Bind) network() string {
	if b.Network == "" {
		return "tcp"
	}
	return b.Network
}

// ConnectSocket opens a connection to addr. The returned conn has had
// SetupConn applied once already.
func (b *Bind) ConnectSocket(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	conn, err := b.dial(ctx, addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	if err := SetupConn(conn, b.SendBufferSize, b.ReceiveBufferSize); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "setup %s", addr)
	}
	return conn, nil
}

func (b *Bind) dial(ctx context.Context, addr string) (net.Conn, error) {
	forward := &net.Dialer{LocalAddr: b.LocalAddr}
	if b.ProxyURL == "" {
		return forward.DialContext(ctx, b.network(), addr)
	}
	u, err := url.Parse(b.ProxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy url")
	}
	pd, err := proxy.FromURL(u, forward)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dialer")
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, b.network(), addr)
	}
	return pd.Dial(b.network(), addr)
}

// SetupConn applies socket tuning. Idempotent: the bind manager runs it at
// connect time and the handshake manager runs it again under its constructor.
// Conns that aren't TCP pass through untouched.
func SetupConn(c net.Conn, sendBufferSize, receiveBufferSize int) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if sendBufferSize != 0 {
		if err := tc.SetWriteBuffer(sendBufferSize); err != nil {
			return errors.Wrap(err, "set send buffer size")
		}
	}
	if receiveBufferSize != 0 {
		if err := tc.SetReadBuffer(receiveBufferSize); err != nil {
			return errors.Wrap(err, "set receive buffer size")
		}
	}
	return nil
}
