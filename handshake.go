package handshake

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/btkit/handshake/connections"
	"github.com/btkit/handshake/peerlist"
)

type handshakeState int32

const (
	// Waiting for the outbound connect to complete.
	stateConnecting handshakeState = iota
	// Wire negotiation in progress.
	stateNegotiating
	// Negotiation finished; awaiting promotion or teardown.
	stateDone
)

// Handshake is one in-flight negotiation. It owns its socket from creation
// until the manager either destroys it or transfers it to a PeerConn. All
// fields other than state and result are guarded by the manager's lock once
// the handshake is registered.
type Handshake struct {
	m  *Manager
	id uuid.UUID

	// The true peer address. Logs and retries always refer to it even when
	// the dial target is a proxy.
	peerAddr netip.AddrPort
	// Dial target; differs from peerAddr when proxy routing applies.
	connectAddr netip.AddrPort
	incoming    bool

	conn     net.Conn
	download Download
	peerInfo *peerlist.PeerInfo
	options  connections.EncryptionOptions
	created  time.Time

	state atomic.Int32

	// Set by the negotiation goroutine before delivering success.
	result *Result

	// active means: present in the registry and counted against the global
	// socket budget. Guards the success/failure/timeout entry points against
	// late callbacks.
	active   bool
	released bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *Handshake) newCommon(m *Manager, peerAddr netip.AddrPort, opts connections.EncryptionOptions) {
	h.m = m
	h.id = uuid.New()
	h.peerAddr = peerAddr
	h.options = opts
	h.created = time.Now()
	h.active = true
	h.ctx, h.cancel = context.WithTimeout(context.Background(), m.handshakesTimeout)
}

func newIncoming(m *Manager, conn net.Conn, peerAddr netip.AddrPort, opts connections.EncryptionOptions) *Handshake {
	h := &Handshake{
		incoming: true,
		conn:     conn,
	}
	h.newCommon(m, peerAddr, opts)
	h.state.Store(int32(stateNegotiating))
	return h
}

func newOutgoing(
	m *Manager,
	peerAddr, connectAddr netip.AddrPort,
	d Download,
	pi *peerlist.PeerInfo,
	opts connections.EncryptionOptions,
) *Handshake {
	h := &Handshake{
		connectAddr: connectAddr,
		download:    d,
		peerInfo:    pi,
	}
	h.newCommon(m, peerAddr, opts)
	h.state.Store(int32(stateConnecting))
	return h
}

func (h *Handshake) getState() handshakeState {
	return handshakeState(h.state.Load())
}

// PeerAddr returns the true peer address.
func (h *Handshake) PeerAddr() netip.AddrPort {
	return h.peerAddr
}

func (h *Handshake) Incoming() bool {
	return h.incoming
}

// deactivate removes the handshake from event delivery. Manager lock held.
func (h *Handshake) deactivate() {
	h.active = false
	h.cancel()
}

// destroyConn is the failure-side terminal state: close the socket, return
// the socket budget, and return the reservation to the peer list. Manager
// lock held.
func (h *Handshake) destroyConn() {
	if h.released {
		panic("handshake already released")
	}
	h.released = true
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.m.cm.DecSocketCount()
	if h.peerInfo != nil && h.download != nil {
		h.download.PeerList().Disconnected(h.peerInfo, 0)
	}
	h.peerInfo = nil
}

// releaseConn is the success-side terminal state: the socket, its budget
// slot, and the reservation now belong to the peer connection. Manager lock
// held.
func (h *Handshake) releaseConn() {
	if h.released {
		panic("handshake already released")
	}
	h.released = true
	h.conn = nil
	h.peerInfo = nil
}

// run drives the handshake to completion on its own goroutine: connect if
// outgoing, then negotiate, then deliver exactly one outcome to the manager.
// Outcomes are suppressed if the manager tore the handshake down first.
func (h *Handshake) run() {
	m := h.m
	defer h.cancel()

	if !h.incoming {
		conn, err := m.bind.ConnectSocket(h.ctx, h.connectAddr)
		if err != nil {
			h.deliverFailure(MessageConnectFailed, err)
			return
		}
		if !h.adoptConn(conn) {
			conn.Close()
			return
		}
		// Setup runs a second time here; it already ran under the bind
		// manager.
		if err := m.setupConn(conn); err != nil {
			h.deliverFailure(MessageConnectFailed, err)
			return
		}
		h.state.Store(int32(stateNegotiating))
	}

	var (
		res *Result
		err error
	)
	if h.incoming {
		res, err = m.negotiator.Incoming(h.ctx, h.conn, h.options)
	} else {
		res, err = m.negotiator.Outgoing(h.ctx, h.conn, h.download, h.options)
	}
	if err != nil {
		h.deliverFailure(MessageHandshakeFailed, err)
		return
	}
	h.state.Store(int32(stateDone))
	h.deliverSuccess(res)
}

// adoptConn attaches the freshly-connected socket to the record, unless the
// manager already destroyed it.
func (h *Handshake) adoptConn(conn net.Conn) bool {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.active {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handshake) deliverSuccess(res *Result) {
	m := h.m
	m.mu.Lock()
	if !h.active {
		m.mu.Unlock()
		return
	}
	h.result = res
	if h.incoming && h.download == nil {
		h.download = res.Download
	}
	m.mu.Unlock()
	m.ReceiveSucceeded(h)
}

func (h *Handshake) deliverFailure(msg MessageCode, err error) {
	// The manager cancelled us during teardown; the record is gone.
	if h.ctx.Err() == context.Canceled {
		return
	}
	if h.timedOut(err) {
		h.m.ReceiveTimeout(h)
		return
	}
	h.m.ReceiveFailed(h, msg, err)
}

func (h *Handshake) timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return h.ctx.Err() == context.DeadlineExceeded
}
