// Package peerlist tracks the peers known to a download and hands out
// per-address connection reservations to the handshake manager.
package peerlist

import (
	"net/netip"
	"time"

	"github.com/anacrolix/sync"
)

// ConnectFlags modify how Connected treats the address.
type ConnectFlags int

const (
	// The reservation is held by an in-flight handshake rather than an
	// established connection; keep the record pinned until released.
	ConnectKeepHandshakes ConnectFlags = 1 << iota
	// Refuse addresses we dropped within the recent window. Retries clear
	// this so a deliberate reconnect isn't blocked by its own predecessor.
	ConnectFilterRecent
)

// How long a dropped address stays "recent" for ConnectFilterRecent.
const recentWindow = 30 * time.Second

type List struct {
	mu    sync.Mutex
	peers map[netip.AddrPort]*PeerInfo
}

func New() *List {
	return &List{
		peers: make(map[netip.AddrPort]*PeerInfo),
	}
}

// Connected reserves addr for a new connection attempt. Returns nil when the
// address is already connected, banned, or filtered as recent; the caller
// must balance a non-nil return with exactly one Disconnected call or a
// hand-off to a peer connection that makes that call on close.
func (l *List) Connected(addr netip.AddrPort, flags ConnectFlags) *PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	pi, ok := l.peers[addr]
	if !ok {
		pi = &PeerInfo{addr: addr}
		l.peers[addr] = pi
	}
	if pi.connected || pi.banned {
		return nil
	}
	if flags&ConnectFilterRecent != 0 &&
		!pi.lastDisconnected.IsZero() &&
		time.Since(pi.lastDisconnected) < recentWindow {
		return nil
	}
	pi.connected = true
	return pi
}

// Disconnected releases a reservation. bytesTransferred zero counts as a
// failed attempt; any transfer resets the failure counter.
func (l *List) Disconnected(pi *PeerInfo, bytesTransferred int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !pi.connected {
		panic("peerlist: disconnected without reservation")
	}
	pi.connected = false
	pi.lastDisconnected = time.Now()
	if bytesTransferred == 0 {
		pi.failedCounter++
	} else {
		pi.failedCounter = 0
	}
}

// Ban prevents future reservations for addr.
func (l *List) Ban(addr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pi, ok := l.peers[addr]
	if !ok {
		pi = &PeerInfo{addr: addr}
		l.peers[addr] = pi
	}
	pi.banned = true
}

func (l *List) SetTrusted(addr netip.AddrPort, trusted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pi, ok := l.peers[addr]; ok {
		pi.trusted = trusted
	}
}

// Get returns the record for addr, or nil.
func (l *List) Get(addr netip.AddrPort) *PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[addr]
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// ConnectedCount returns how many records currently hold a reservation.
func (l *List) ConnectedCount() (n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pi := range l.peers {
		if pi.connected {
			n++
		}
	}
	return
}
