package handshake

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/btkit/handshake/clientdb"
	"github.com/btkit/handshake/connections"
	"github.com/btkit/handshake/dialer"
	"github.com/btkit/handshake/internal/panicif"
	"github.com/btkit/handshake/peerlist"
)

// Peers whose attempts keep dying without transferring data are left alone
// once their failure counter passes this.
const maxFailed = 3

const defaultHandshakesTimeout = 4 * time.Second

// Binder opens outbound peer sockets. Implemented by dialer.Bind.
type Binder interface {
	ConnectSocket(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// ClientResolver identifies peer software from a peer id. Implemented by
// clientdb.DB.
type ClientResolver interface {
	RetrieveID(ci *clientdb.Client, id [20]byte) bool
}

type Config struct {
	// Global admission, socket budget, proxy address, and default encryption
	// options. Required.
	ConnectionManager *connections.Manager
	// Opens outbound sockets. Required for outgoing handshakes.
	Bind Binder
	// Runs the wire-level negotiation. Required.
	Negotiator Negotiator
	// Resolves peer client identities. Optional.
	Clients ClientResolver
	// Limit how long a handshake can take, to reduce the lingering impact of
	// a few bad apples. Defaults to 4s.
	HandshakesTimeout time.Duration
	Logger            log.Logger
}

// Manager owns every socket between "raw TCP connection" and
// "fully-negotiated peer connection". It is the only component that removes a
// handshake from the registry and frees its resources.
type Manager struct {
	cm                *connections.Manager
	bind              Binder
	negotiator        Negotiator
	clients           ClientResolver
	handshakesTimeout time.Duration
	logger            log.Logger

	mu       sync.Mutex
	registry []*Handshake
	closed   chansync.SetOnce
}

func New(cfg Config) *Manager {
	if cfg.HandshakesTimeout == 0 {
		cfg.HandshakesTimeout = defaultHandshakesTimeout
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = log.Default.WithNames("handshake")
	}
	return &Manager{
		cm:                cfg.ConnectionManager,
		bind:              cfg.Bind,
		negotiator:        cfg.Negotiator,
		clients:           cfg.Clients,
		handshakesTimeout: cfg.HandshakesTimeout,
		logger:            cfg.Logger,
	}
}

func (m *Manager) logf(addr netip.AddrPort, format string, args ...interface{}) {
	log.Fmsg("handshake->%v: "+format, append([]interface{}{addr}, args...)...).Log(m.logger)
}

// hlogf is logf with the handshake's correlation id attached.
func (m *Manager) hlogf(h *Handshake, format string, args ...interface{}) {
	log.Fmsg("handshake->%v: "+format, append([]interface{}{h.peerAddr}, args...)...).
		Add("hid", h.id).
		Log(m.logger)
}

// Size returns the number of in-flight handshakes.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// SizeInfo returns the number of in-flight handshakes bound to d.
func (m *Manager) SizeInfo(d Download) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.registry {
		if h.download == d {
			n++
		}
	}
	return
}

// Find reports whether a handshake to addr is in flight. Linear; the
// registry is bounded by the admission cap.
func (m *Manager) Find(addr netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.registry {
		if h.peerAddr == addr {
			return true
		}
	}
	return false
}

// erase removes h from the registry. Lock held. Not finding it is a bug.
func (m *Manager) erase(h *Handshake) {
	for i, cand := range m.registry {
		if cand == h {
			m.registry[i] = m.registry[len(m.registry)-1]
			m.registry = m.registry[:len(m.registry)-1]
			return
		}
	}
	panic("handshake not found in registry")
}

func (m *Manager) setupConn(conn net.Conn) error {
	return dialer.SetupConn(conn, m.cm.SendBufferSize(), m.cm.ReceiveBufferSize())
}

// AddIncoming wraps an already-accepted connection into a handshake.
// Rejection is an ordinary event: on any failure path the connection is
// closed and nothing is registered.
func (m *Manager) AddIncoming(conn net.Conn, addr netip.AddrPort) {
	if m.closed.IsSet() {
		conn.Close()
		return
	}
	if !m.cm.CanConnect() || !m.cm.Filter(addr) {
		m.logf(addr, "incoming connection failed, out of resources or filtered")
		conn.Close()
		return
	}
	if err := m.setupConn(conn); err != nil {
		m.logf(addr, "incoming connection failed, setup unsuccessful: %v", err)
		conn.Close()
		return
	}

	m.cm.IncSocketCount()
	handshakesAccepted.Add(1)

	h := newIncoming(m, conn, addr, m.cm.EncryptionOptions())
	m.hlogf(h, "incoming connection")
	m.mu.Lock()
	m.registry = append(m.registry, h)
	m.mu.Unlock()
	go h.run()
}

// AddOutgoing requests a new outbound connection with the connection
// manager's default encryption options. Admission failures abort without
// side effects.
func (m *Manager) AddOutgoing(addr netip.AddrPort, d Download) {
	if m.closed.IsSet() {
		return
	}
	if !m.cm.CanConnect() || !m.cm.Filter(addr) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOutgoing(addr, d, m.cm.EncryptionOptions())
}

// createOutgoing reserves the peer, routes through the proxy when configured,
// and registers the handshake. Lock held; also the retry entry point.
func (m *Manager) createOutgoing(addr netip.AddrPort, d Download, opts connections.EncryptionOptions) {
	connectFlags := peerlist.ConnectKeepHandshakes
	if !opts.Has(connections.EncryptionRetrying) {
		connectFlags |= peerlist.ConnectFilterRecent
	}

	pi := d.PeerList().Connected(addr, connectFlags)
	if pi == nil {
		return
	}
	if pi.FailedCounter() > maxFailed {
		d.PeerList().Disconnected(pi, 0)
		return
	}

	connectAddr := addr
	if proxyAddr, ok := m.cm.ProxyAddr(); ok {
		connectAddr = proxyAddr
		opts |= connections.EncryptionUseProxy
	}

	m.cm.IncSocketCount()
	handshakesInitiated.Add(1)

	h := newOutgoing(m, addr, connectAddr, d, pi, opts)
	m.hlogf(h, "outgoing connection (encryption:%#x mode:%s)", int(opts), opts.ModeString())
	m.registry = append(m.registry, h)
	go h.run()
}

// ReceiveSucceeded promotes a successfully-negotiated handshake into a peer
// connection, or drops it when the download no longer wants one. Called by
// the negotiation goroutine; a late call after teardown is a no-op.
func (m *Manager) ReceiveSucceeded(h *Handshake) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !h.active {
		return
	}
	m.erase(h)
	h.deactivate()

	d := h.download
	res := h.result
	panicif.True(d == nil, "handshake succeeded without download")
	panicif.True(res == nil, "handshake succeeded without result")

	// Incoming handshakes reserve their peer on completion, once the
	// download is known.
	if h.peerInfo == nil {
		h.peerInfo = d.PeerList().Connected(h.peerAddr, peerlist.ConnectKeepHandshakes)
	}
	pi := h.peerInfo

	var pc *PeerConn
	if pi != nil && d.Active() && d.Conns().WantConnection(pi, res.Bitfield) {
		pc = d.Conns().Insert(pi, h.conn, res.RW, res.Bitfield, res.CryptoMethod, res.Extensions)
	}

	if pc == nil {
		var reason dropReason
		switch {
		case !d.Active():
			reason = dropInactiveDownload
		case d.Done() && res.Bitfield != nil && res.Bitfield.AllSet():
			reason = dropUnwantedConnection
		default:
			reason = dropDuplicate
		}
		m.hlogf(h, "handshake dropped (value:%d message:%q)", int(reason), reason.String())
		dropReasons.Add(reason.String(), 1)
		handshakesDropped.Add(1)
		h.destroyConn()
		return
	}

	if pi.ID == (PeerID{}) {
		pi.ID = res.PeerID
	}
	if m.clients != nil {
		m.clients.RetrieveID(&pi.Client, pi.ID)
	}
	m.hlogf(h, "handshake success")
	handshakesSucceeded.Add(1)

	pc.setHaveTimer(h.created)
	if len(res.Unread) != 0 {
		pc.pushUnread(res.Unread)
		pc.eventRead()
	}

	// Ownership of the socket, its budget slot, and the reservation moves to
	// the peer connection; its close balances them.
	pl := d.PeerList()
	pc.onClose = func(bytesTransferred int64) {
		m.cm.DecSocketCount()
		pl.Disconnected(pi, bytesTransferred)
		d.Conns().remove(pc)
	}
	h.releaseConn()
}

// ReceiveFailed tears down a failed handshake and, when the wire error
// recommends it, re-issues the attempt with different encryption options.
// Called by the negotiation goroutine; a late call after teardown is a no-op.
func (m *Manager) ReceiveFailed(h *Handshake, msg MessageCode, failure error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !h.active {
		return
	}
	sa := h.peerAddr
	m.erase(h)
	h.deactivate()

	d := h.download
	h.destroyConn()

	m.hlogf(h, "received error (value:%d message:%q)", int(msg), errString(failure))
	handshakesFailed.Add(1)
	// Ban-worthy failures feed the firewall; anything else passes through.
	m.cm.Inhibit(sa, failure)

	var we *Error
	if errors.As(failure, &we) && we.ShouldRetry && d != nil {
		// Retry against the true peer address; the proxy bit is transient
		// and gets re-applied inside the constructor.
		retryOpts := we.RetryOptions&^connections.EncryptionUseProxy | connections.EncryptionRetrying
		mode := "plaintext"
		if retryOpts.Has(connections.EncryptionTryOutgoing) {
			mode = "encrypted"
		}
		m.logf(sa, "retrying (%s)", mode)
		handshakesRetried.Add(1)
		m.createOutgoing(sa, d, retryOpts)
	}
}

// ReceiveTimeout reports a handshake that hit its deadline. The cause
// distinguishes a connect that never completed from a stalled negotiation.
func (m *Manager) ReceiveTimeout(h *Handshake) {
	cause := ErrNetworkTimeout
	if h.getState() == stateConnecting {
		cause = ErrNetworkUnreachable
	}
	m.ReceiveFailed(h, MessageHandshakeFailed, cause)
}

// EraseDownload destroys every handshake bound to d. After return no
// handshake for d remains registered or holds a socket.
func (m *Manager) EraseDownload(d Download) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.registry[:0]
	for _, h := range m.registry {
		if h.download != d {
			kept = append(kept, h)
			continue
		}
		h.deactivate()
		h.destroyConn()
	}
	for i := len(kept); i < len(m.registry); i++ {
		m.registry[i] = nil
	}
	m.registry = kept
}

// Clear destroys every handshake.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.registry {
		h.deactivate()
		h.destroyConn()
	}
	m.registry = nil
}

// Close drains the registry and refuses further work.
func (m *Manager) Close() {
	m.closed.Set()
	m.Clear()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
