package handshake

import (
	"context"
	"errors"
	"net"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/btkit/handshake/internal/netx"
)

// Acceptor feeds accepted connections from one or more listeners into a
// Manager. Listeners are closed when the acceptor stops.
type Acceptor struct {
	m         *Manager
	listeners []net.Listener
	logger    log.Logger
}

func NewAcceptor(m *Manager, listeners []net.Listener) *Acceptor {
	return &Acceptor{
		m:         m,
		listeners: listeners,
		logger:    m.logger.WithNames("acceptor"),
	}
}

// Run accepts until ctx is cancelled or a listener fails with a permanent
// error. Per-connection errors are logged and do not stop the loop.
func (a *Acceptor) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range a.listeners {
		l := l
		eg.Go(func() error {
			return a.acceptLoop(ctx, l)
		})
	}
	context.AfterFunc(ctx, func() {
		for _, l := range a.listeners {
			l.Close()
		}
	})
	err := eg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (a *Acceptor) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		addr, err := netx.AddrPort(conn.RemoteAddr())
		if err != nil {
			a.logger.Levelf(log.Debug, "dropping connection with bad remote addr %v: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		a.m.AddIncoming(conn, addr)
	}
}
